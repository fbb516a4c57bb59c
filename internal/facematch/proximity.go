package facematch

// FindOwner returns the first identified contact whose rectangle and the reference's
// detection box contain each other's centers.
//
// Mutual containment rather than plain overlap rejects a small face that happens to
// sit near the middle of a much larger labeled rectangle (or the reverse). Contacts
// labeled on a different photo are ignored; an empty PhotoUID matches any photo.
func FindOwner(ref *Reference, contacts []IdentifiedContact) (*IdentifiedContact, bool) {
	refRect, ok := ref.Rect()
	if !ok {
		return nil, false
	}
	return FindOwnerRect(ref.PhotoUID, refRect, contacts)
}

// FindOwnerRect is FindOwner for a detection that is only known by its normalized rect.
func FindOwnerRect(photoUID string, rect NormalizedRect, contacts []IdentifiedContact) (*IdentifiedContact, bool) {
	if !rect.Valid() {
		return nil, false
	}
	rx, ry := rect.Center()

	for i := range contacts {
		c := &contacts[i]
		if c.PhotoUID != "" && photoUID != "" && c.PhotoUID != photoUID {
			continue
		}
		if !c.Rect.Valid() {
			continue
		}
		cx, cy := c.Rect.Center()
		if c.Rect.Contains(rx, ry) && rect.Contains(cx, cy) {
			return c, true
		}
	}
	return nil, false
}
