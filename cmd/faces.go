package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/semaphore"

	"github.com/kozaktomas/photo-faces/internal/config"
	"github.com/kozaktomas/photo-faces/internal/constants"
	"github.com/kozaktomas/photo-faces/internal/corpus"
	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/database/mariadb"
	"github.com/kozaktomas/photo-faces/internal/fingerprint"
	"github.com/kozaktomas/photo-faces/internal/photoprism"
)

var facesCmd = &cobra.Command{
	Use:   "faces",
	Short: "Face detection commands",
}

var facesDetectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Detect and store face embeddings for photos",
	Long: `Detect faces in photos and store their embeddings, bounding boxes,
detection scores and head poses. Clustering only ever reads what this
command stored.

The process can be stopped and resumed - already processed photos are skipped.

Examples:
  # Detect faces in the whole library
  photo-faces faces detect

  # Only two albums, recomputing photos that were processed before
  photo-faces faces detect --album aq8i4ea1r3u2ac3b --album aq8i4ea1r3u2ac3c --force

  # Limit number of photos to process
  photo-faces faces detect --limit 100`,
	RunE: runFacesDetect,
}

var facesStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show how many faces are stored",
	RunE:  runFacesStats,
}

func init() {
	rootCmd.AddCommand(facesCmd)
	facesCmd.AddCommand(facesDetectCmd)
	facesCmd.AddCommand(facesStatsCmd)

	facesDetectCmd.Flags().Int("concurrency", 0, "Number of parallel workers (default CLUSTER_IO_CONCURRENCY)")
	facesDetectCmd.Flags().Int("limit", 0, "Limit number of photos to process (0 = no limit)")
	facesDetectCmd.Flags().StringSlice("album", nil, "Only process photos of these albums")
	facesDetectCmd.Flags().Bool("force", false, "Recompute photos that were already processed")
}

// listPhotoUIDs pages through the library, or through the given albums.
func listPhotoUIDs(ctx context.Context, pp *photoprism.PhotoPrism, albums []string, limit int) ([]string, error) {
	var uids []string
	seen := make(map[string]bool)
	add := func(photos []photoprism.Photo) bool {
		for _, photo := range photos {
			if seen[photo.UID] {
				continue
			}
			seen[photo.UID] = true
			uids = append(uids, photo.UID)
			if limit > 0 && len(uids) >= limit {
				return false
			}
		}
		return true
	}

	fetch := func(page func(offset int) ([]photoprism.Photo, error)) (bool, error) {
		for offset := 0; ; {
			photos, err := page(offset)
			if err != nil {
				return false, err
			}
			if len(photos) == 0 {
				return true, nil
			}
			if !add(photos) {
				return false, nil
			}
			offset += len(photos)
		}
	}

	if len(albums) == 0 {
		_, err := fetch(func(offset int) ([]photoprism.Photo, error) {
			return pp.GetPhotos(ctx, constants.DefaultPageSize, offset, "")
		})
		if err != nil {
			return nil, fmt.Errorf("failed to get photos: %w", err)
		}
		return uids, nil
	}
	for _, album := range albums {
		more, err := fetch(func(offset int) ([]photoprism.Photo, error) {
			return pp.GetAlbumPhotos(ctx, album, constants.DefaultPageSize, offset)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to get photos of album %s: %w", album, err)
		}
		if !more {
			break
		}
	}
	return uids, nil
}

func runFacesDetect(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cfg := config.Load()

	concurrency := mustGetInt(cmd, "concurrency")
	if concurrency <= 0 {
		concurrency = cfg.Clustering.IOConcurrency
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	fmt.Println("Connecting to PhotoPrism...")
	pp, err := connectPhotoPrism(ctx, cfg)
	if err != nil {
		return err
	}
	defer pp.Logout(context.Background())

	faceCount, _ := store.Count(ctx)
	photoCount, _ := store.CountPhotos(ctx)
	fmt.Printf("Faces in database: %d (across %d photos)\n", faceCount, photoCount)

	fmt.Println("Fetching photos from PhotoPrism...")
	uids, err := listPhotoUIDs(ctx, pp, mustGetStringSlice(cmd, "album"), mustGetInt(cmd, "limit"))
	if err != nil {
		return err
	}
	if len(uids) == 0 {
		fmt.Println("No photos to process")
		return nil
	}
	fmt.Printf("Photos to check: %d\n\n", len(uids))

	bar := progressbar.NewOptions(len(uids),
		progressbar.OptionSetDescription("Detecting faces"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("photos"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	detector := corpus.NewDetector(pp, fingerprint.NewFaceClient(cfg.Embedding.URL), store,
		semaphore.NewWeighted(int64(concurrency)), cfg.Embedding.MaxUploadSize)
	stats, err := detector.Detect(ctx, uids, mustGetBool(cmd, "force"), func(done, total int) {
		_ = bar.Set(done)
	})
	_ = bar.Finish()
	fmt.Println()
	if err != nil {
		return fmt.Errorf("detection interrupted: %w", err)
	}

	fmt.Printf("Processed: %d photos, %d faces\n", stats.Processed, stats.Faces)
	fmt.Printf("Skipped:   %d (already processed)\n", stats.Skipped)
	if stats.Failed > 0 {
		fmt.Printf("Failed:    %d\n", stats.Failed)
	}
	return nil
}

type faceStats struct {
	Backend string `json:"backend"`
	Faces   int    `json:"faces"`
	Photos  int    `json:"photos"`
	Labeled int    `json:"labeled_markers,omitempty"` // from PhotoPrism's database, when configured
}

func runFacesStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg := config.Load()
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var stats faceStats
	if stats.Faces, err = store.Count(ctx); err != nil {
		return fmt.Errorf("failed to count faces: %w", err)
	}
	if stats.Photos, err = store.CountPhotos(ctx); err != nil {
		return fmt.Errorf("failed to count photos: %w", err)
	}
	stats.Backend = database.BackendName()

	if cfg.PhotoPrism.DatabaseURL != "" {
		markers, err := mariadb.NewPool(cfg.PhotoPrism.DatabaseURL)
		if err != nil {
			return err
		}
		defer markers.Close()
		if stats.Labeled, err = markers.CountLabeledMarkers(ctx); err != nil {
			return fmt.Errorf("failed to count labeled markers: %w", err)
		}
	}

	if mustGetBool(cmd, "json") {
		return json.NewEncoder(os.Stdout).Encode(stats)
	}
	fmt.Printf("Backend: %s\n", stats.Backend)
	fmt.Printf("Faces:   %d (across %d photos)\n", stats.Faces, stats.Photos)
	if stats.Labeled > 0 {
		fmt.Printf("Labeled: %d markers in PhotoPrism\n", stats.Labeled)
	}
	return nil
}
