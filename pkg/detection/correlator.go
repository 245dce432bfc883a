package detection

// buildCorrelationGraph links matched sequence events in order. Each edge
// points from an event to the next one in the matched chain; the final node
// is the triggering event.
func buildCorrelationGraph(chain []Event) *CorrelationGraph {
	if len(chain) == 0 {
		return nil
	}
	g := &CorrelationGraph{Nodes: make([]string, len(chain))}
	for i, ev := range chain {
		g.Nodes[i] = ev.EventID
		if i > 0 {
			g.Edges = append(g.Edges, [2]string{chain[i-1].EventID, ev.EventID})
		}
	}
	return g
}

// matchSequence finds prior events completing a rule's sequence, given that
// the triggering event is the final type. Priors must match the leading
// types in order, for the same asset and identity, within the rule's window
// ending at the triggering event. Returns the full chain including the
// trigger, or nil when the sequence is incomplete.
func matchSequence(rule *Rule, trigger Event, history EventHistory) []Event {
	seq := rule.SequenceEventTypes
	if trigger.EventType != seq[len(seq)-1] {
		return nil
	}
	priorTypes := seq[:len(seq)-1]

	from := trigger.OccurredAt.Add(-timeWindow(rule))
	candidates := history.Window(trigger.AssetID, from, trigger.OccurredAt)

	chain := make([]Event, 0, len(seq))
	idx := 0
	for _, ev := range candidates {
		if idx >= len(priorTypes) {
			break
		}
		if ev.IdentityID != trigger.IdentityID || ev.EventID == trigger.EventID {
			continue
		}
		if ev.EventType == priorTypes[idx] {
			chain = append(chain, ev)
			idx++
		}
	}
	if idx < len(priorTypes) {
		return nil
	}
	return append(chain, trigger)
}
