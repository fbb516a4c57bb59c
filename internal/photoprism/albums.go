package photoprism

import (
	"context"
	"fmt"
	"net/url"
)

// GetAlbums retrieves one page of albums.
// albumType can be: "album" (manual albums), "folder", "moment", "month", "state", or "" for all
func (pp *PhotoPrism) GetAlbums(ctx context.Context, count, offset int, order, albumType string) ([]Album, error) {
	endpoint := fmt.Sprintf("albums?count=%d&offset=%d", count, offset)
	if albumType != "" {
		endpoint += "&type=" + url.QueryEscape(albumType)
	}
	if order != "" {
		endpoint += "&order=" + url.QueryEscape(order)
	}

	result, err := doGetJSON[[]Album](ctx, pp, endpoint)
	if err != nil {
		return nil, err
	}
	return *result, nil
}

// GetAlbumPhotos retrieves one page of photos from a specific album
func (pp *PhotoPrism) GetAlbumPhotos(ctx context.Context, albumUID string, count, offset int) ([]Photo, error) {
	endpoint := fmt.Sprintf("photos?count=%d&offset=%d&s=%s", count, offset, url.QueryEscape(albumUID))
	result, err := doGetJSON[[]Photo](ctx, pp, endpoint)
	if err != nil {
		return nil, err
	}
	return *result, nil
}
