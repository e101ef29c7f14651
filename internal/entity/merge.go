// ABOUTME: Reconciliation rules applied after fetching server state
// ABOUTME: Server data wins for confirmed entities, unsynced local work always survives

package entity

// Merge reconciles a freshly fetched server collection with the local one.
// Every server entity is kept and marked synced. Local entities survive only
// while unsynced and not already represented server-side, either directly or
// through a retained client ID. Confirmed local copies are discarded in
// favor of the server's version.
func Merge[T Entity](server, local []T) []T {
	merged := make([]T, 0, len(server)+len(local))
	seen := make(map[string]struct{}, 2*len(server))

	for _, item := range server {
		item.SetSynced(true)
		merged = append(merged, item)
		seen[item.EntityID()] = struct{}{}
		if ref := item.ClientRef(); ref != "" {
			seen[ref] = struct{}{}
		}
	}

	for _, item := range local {
		if item.IsSynced() {
			continue
		}
		if _, dup := seen[item.EntityID()]; dup {
			continue
		}
		if ref := item.ClientRef(); ref != "" {
			if _, dup := seen[ref]; dup {
				continue
			}
		}
		merged = append(merged, item)
	}
	return merged
}

// MergeConversationMessages re-attaches unsynced local messages to the
// merged conversation list. Merge operates on whole conversations, so a
// server copy of a thread would otherwise drop a reply the user typed while
// offline.
func MergeConversationMessages(merged, local []*Conversation) {
	byID := make(map[string]*Conversation, len(local))
	for _, conv := range local {
		byID[conv.ID] = conv
		if conv.ClientID != "" {
			byID[conv.ClientID] = conv
		}
	}

	for _, conv := range merged {
		prior, ok := byID[conv.ID]
		if !ok && conv.ClientID != "" {
			prior, ok = byID[conv.ClientID]
		}
		if !ok || prior == conv {
			continue
		}
		for _, msg := range prior.Messages {
			if msg.Synced {
				continue
			}
			if _, exists := conv.Message(msg.ID); exists {
				continue
			}
			conv.UpsertMessage(msg)
		}
	}
}
