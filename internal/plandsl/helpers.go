package plandsl

// IsStepReady reports whether every dependency of st is present in
// completedIDs. Whether st itself carries no live lease (data model
// invariant 2) is not checked here: lease liveness is the caller's concern (the store tracks it); this helper
// only evaluates the dependency half, which is pure and plan-local.
func IsStepReady(st Step, completedIDs map[string]struct{}) bool {
	for _, dep := range st.Dependencies {
		if _, done := completedIDs[dep]; !done {
			return false
		}
	}
	return true
}

// GetParallelGroups buckets steps by their ParallelGroup tag, preserving
// plan order within each bucket. Steps with an empty tag are not grouped.
func GetParallelGroups(steps []Step) map[string][]Step {
	groups := make(map[string][]Step)
	for _, st := range steps {
		if st.ParallelGroup == "" {
			continue
		}
		groups[st.ParallelGroup] = append(groups[st.ParallelGroup], st)
	}
	return groups
}

// CalculateStepPriority combines a step's own priority with its criticality
// and the owning plan's priority, clamped to [0,10].
func CalculateStepPriority(st Step, plan Plan) float64 {
	p := float64(st.Priority)
	if st.Critical {
		p += 3
	}
	p += float64(plan.Priority) * 0.1
	if p < 0 {
		return 0
	}
	if p > 10 {
		return 10
	}
	return p
}
