// Package corpus connects the clustering core to the photo library: albums, stored face
// references and the labels users have already put on faces.
package corpus

import (
	"context"

	"github.com/kozaktomas/photo-faces/internal/facematch"
)

// Album is one unit of work of a corpus pass. UID is stable across runs.
type Album struct {
	UID   string
	Title string
}

// Source enumerates the corpus.
type Source interface {
	// ListAlbums returns every album of the corpus.
	ListAlbums(ctx context.Context) ([]Album, error)

	// ListReferences returns the detected faces of an album in enumeration order. present is
	// false when none of the album's photos has been through detection yet, which is
	// different from an album that was processed and has no faces.
	ListReferences(ctx context.Context, albumUID string) (refs []facematch.Reference, present bool, err error)

	// ListIdentifiedContacts returns the user labels on the album's photos, most recently
	// written first within a photo.
	ListIdentifiedContacts(ctx context.Context, albumUID string) ([]facematch.IdentifiedContact, error)
}
