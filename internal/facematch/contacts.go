package facematch

// MarkerInfo represents a PhotoPrism marker's relevant fields for matching
type MarkerInfo struct {
	UID        string
	Type       string
	Name       string
	SubjUID    string
	X, Y, W, H float64
}

// MarkersToContacts keeps the face markers a user has assigned to a person and turns
// them into identified contacts for photoUID.
func MarkersToContacts(photoUID string, markers []MarkerInfo) []IdentifiedContact {
	var contacts []IdentifiedContact
	for _, m := range markers {
		if m.Type != "face" || m.SubjUID == "" {
			continue
		}
		rect := RectFromMarker(m.X, m.Y, m.W, m.H)
		if !rect.Valid() {
			continue
		}
		contacts = append(contacts, IdentifiedContact{
			PhotoUID: photoUID,
			Rect:     rect,
			Contact:  Contact{Key: m.SubjUID, Name: m.Name},
		})
	}
	return contacts
}

// DedupeContactKeys rewrites contact keys so that contacts whose names normalize to the
// same string share the key that was seen first.
func DedupeContactKeys(contacts []IdentifiedContact) {
	byName := make(map[string]string)
	for i := range contacts {
		name := NormalizePersonName(contacts[i].Contact.Name)
		if name == "" {
			continue
		}
		if key, ok := byName[name]; ok {
			contacts[i].Contact.Key = key
			continue
		}
		byName[name] = contacts[i].Contact.Key
	}
}
