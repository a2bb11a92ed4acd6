package internal

import "math"

// NodesToProvision sizes a scale-up: enough nodes for the queued sessions,
// without letting existing plus pending nodes go past maxNodes. A maxNodes of
// 0 means there is no cap.
func NodesToProvision(queued, sessionsPerNode, maxNodes, existingNodes, pendingNodes int) int {
	if queued <= 0 {
		return 0
	}
	sessionsPerNode = max(sessionsPerNode, 1)

	requiredNodes := math.Ceil(float64(queued) / float64(sessionsPerNode))
	if maxNodes <= 0 {
		return int(requiredNodes)
	}

	maximumMoreNodes := float64(maxNodes - existingNodes - pendingNodes)
	return max(int(math.Min(requiredNodes, maximumMoreNodes)), 0)
}
