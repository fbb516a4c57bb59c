package photoprism

import (
	"context"
	"fmt"
	"net/url"
)

// GetPhotos retrieves one page of photos with an optional search query.
// Query examples: "person:jan-novak", "year:2024", "faces:true"
func (pp *PhotoPrism) GetPhotos(ctx context.Context, count, offset int, query string) ([]Photo, error) {
	endpoint := fmt.Sprintf("photos?count=%d&offset=%d", count, offset)
	if query != "" {
		endpoint += "&q=" + url.QueryEscape(query)
	}

	result, err := doGetJSON[[]Photo](ctx, pp, endpoint)
	if err != nil {
		return nil, err
	}
	return *result, nil
}

// GetPhotoDetails retrieves a photo with its files and markers
func (pp *PhotoPrism) GetPhotoDetails(ctx context.Context, photoUID string) (*PhotoDetails, error) {
	return doGetJSON[PhotoDetails](ctx, pp, "photos/"+url.PathEscape(photoUID))
}

// GetPhotoDownload downloads the primary file of a photo and returns it with the file's
// metadata. Face coordinates are relative to the primary file, so detection must run on
// the same file.
func (pp *PhotoPrism) GetPhotoDownload(ctx context.Context, photoUID string) ([]byte, *File, error) {
	details, err := pp.GetPhotoDetails(ctx, photoUID)
	if err != nil {
		return nil, nil, fmt.Errorf("could not get photo details: %w", err)
	}

	primary := details.PrimaryFile()
	if primary == nil || primary.Hash == "" {
		return nil, nil, fmt.Errorf("photo %s has no downloadable file", photoUID)
	}

	data, _, err := pp.GetFileDownload(ctx, primary.Hash)
	if err != nil {
		return nil, nil, err
	}
	return data, primary, nil
}

// GetFileDownload downloads a file using its hash via the /api/v1/dl/{hash} endpoint
func (pp *PhotoPrism) GetFileDownload(ctx context.Context, fileHash string) ([]byte, string, error) {
	u := fmt.Sprintf("%s/dl/%s?t=%s", pp.Url, url.PathEscape(fileHash), url.QueryEscape(pp.downloadToken))
	return doGetBytes(ctx, pp, u)
}
