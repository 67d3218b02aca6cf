package engine

import "fmt"

// BuildDAG returns an evaluation order for the nodes needed to compute wantNodes, given
// the names already available as graph inputs. Nodes nothing wanted depends on are left out.
func BuildDAG(nodes []Node, inputs []string, wantNodes []string) ([]string, error) {
	byName := make(map[string]Node, len(nodes))
	for _, node := range nodes {
		byName[node.NodeName()] = node
	}

	needed := make(map[string]bool)
	var mark func(name string)
	mark = func(name string) {
		if needed[name] {
			return
		}
		needed[name] = true
		if node, ok := byName[name]; ok {
			for _, dep := range node.Dependencies() {
				mark(dep)
			}
		}
	}
	for _, name := range wantNodes {
		mark(name)
	}

	evaluationOrder := make([]string, 0, len(nodes))
	done := make(map[string]bool)
	for _, name := range inputs {
		done[name] = true
	}

	for {
		progress := false
		for _, node := range nodes {
			name := node.NodeName()
			if done[name] || !needed[name] {
				continue
			}

			ready := true
			for _, dep := range node.Dependencies() {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				done[name] = true
				evaluationOrder = append(evaluationOrder, name)
				progress = true
			}
		}
		if !progress {
			break
		}
	}

	for _, name := range wantNodes {
		if !done[name] {
			return nil, fmt.Errorf("layer %q could not be computed (unreachable in computation graph)", name)
		}
	}

	return evaluationOrder, nil
}
