package photoprism

import (
	"context"

	"github.com/kozaktomas/photo-faces/internal/facematch"
)

// GetPhotoMarkers returns the valid markers of all files of a photo.
func (pp *PhotoPrism) GetPhotoMarkers(ctx context.Context, photoUID string) ([]Marker, error) {
	details, err := pp.GetPhotoDetails(ctx, photoUID)
	if err != nil {
		return nil, err
	}

	var markers []Marker
	for _, f := range details.Files {
		for _, m := range f.Markers {
			if m.Invalid {
				continue
			}
			markers = append(markers, m)
		}
	}
	return markers, nil
}

// MarkerInfos converts markers to the matching model.
func MarkerInfos(markers []Marker) []facematch.MarkerInfo {
	out := make([]facematch.MarkerInfo, 0, len(markers))
	for _, m := range markers {
		out = append(out, facematch.MarkerInfo{
			UID:     m.UID,
			Type:    m.Type,
			Name:    m.Name,
			SubjUID: m.SubjUID,
			X:       m.X,
			Y:       m.Y,
			W:       m.W,
			H:       m.H,
		})
	}
	return out
}
