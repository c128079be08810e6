package signing

// ReconcileInput gathers the three sources merged on every data refresh:
// server-persisted finals, server-persisted drafts, and the current
// in-memory list (which may hold the viewer's own in-flight draft and peer
// drafts received over the socket since the last fetch).
type ReconcileInput struct {
	Finals     []SignaturePlacement
	Drafts     []SignaturePlacement
	Local      []SignaturePlacement
	Viewer     UserID
	Tombstones *TombstoneSet
}

// Reconcile merges the input sources into a single de-duplicated list with
// one authoritative record per signer slot. Precedence within a slot is
// final, then the viewer's own local draft, then server draft, then peer
// draft. The viewer's local geometry always survives a refresh that races a
// drag gesture; convergence to server truth happens on the next fetch after
// the gesture ends.
func Reconcile(input ReconcileInput) []SignaturePlacement {
	slots := make(map[UserID]SignaturePlacement)
	order := make([]UserID, 0, len(input.Finals)+len(input.Drafts)+len(input.Local))

	tombstoned := func(id PlacementID) bool {
		return input.Tombstones != nil && input.Tombstones.Contains(id)
	}

	assign := func(record SignaturePlacement) {
		if _, exists := slots[record.UserID]; !exists {
			order = append(order, record.UserID)
		}
		slots[record.UserID] = record
	}

	// Finals claim their slots first and are never displaced.
	for _, record := range input.Finals {
		if tombstoned(record.ID) {
			continue
		}
		if existing, ok := slots[record.UserID]; ok && existing.Status == StatusFinal {
			continue
		}
		assign(record)
	}

	// Server drafts fill slots that hold no final.
	for _, record := range input.Drafts {
		if tombstoned(record.ID) {
			continue
		}
		if _, occupied := slots[record.UserID]; occupied {
			continue
		}
		record.Status = StatusDraft
		assign(record)
	}

	// Carry over the previous in-memory state: peer drafts that arrived over
	// the socket but have not reached the server-read path yet, and the
	// viewer's own draft, which merges on top so an active drag never snaps
	// back to a stale server position.
	for _, record := range input.Local {
		if tombstoned(record.ID) {
			continue
		}

		if record.UserID == input.Viewer {
			existing, occupied := slots[record.UserID]
			if occupied && existing.Status == StatusFinal {
				continue
			}
			if occupied {
				assign(mergeOwnDraft(existing, record))
			} else {
				record.Status = StatusDraft
				assign(record)
			}
			continue
		}

		if _, occupied := slots[record.UserID]; !occupied {
			assign(record)
		}
	}

	merged := make([]SignaturePlacement, 0, len(order))
	for _, slot := range order {
		merged = append(merged, slots[slot])
	}
	return merged
}

// mergeOwnDraft layers the viewer's local record over the server copy of the
// same slot: local geometry and display cache win, server metadata (canonical
// ID, signer name, image) is preserved, and status is forced back to draft.
func mergeOwnDraft(server, local SignaturePlacement) SignaturePlacement {
	merged := server
	merged.PageNumber = local.PageNumber
	merged.PositionX = local.PositionX
	merged.PositionY = local.PositionY
	merged.Width = local.Width
	merged.Height = local.Height
	merged.Display = local.Display
	merged.Status = StatusDraft
	if merged.SignatureImageURL == "" {
		merged.SignatureImageURL = local.SignatureImageURL
	}
	return merged
}
