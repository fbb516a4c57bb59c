package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/photo-faces/internal/config"
	"github.com/kozaktomas/photo-faces/internal/constants"
	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/sorter"
)

var clustersCmd = &cobra.Command{
	Use:   "clusters",
	Short: "Face cluster commands",
}

var clustersRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Cluster every stored face and propagate names",
	Long: `Run a full clustering pass over every album:

  1. discover cluster roots among the high quality faces
  2. assign every remaining face to its nearest root
  3. spread names confirmed in PhotoPrism to their clusters and
     generate contacts for clusters without one

Faces that already belong to a cluster are skipped, so repeated runs only
process what is new. Run 'photo-faces faces detect' first.

Examples:
  photo-faces clusters run
  photo-faces clusters run --threshold 0.55 --concurrency 8`,
	RunE: runClustersRun,
}

var clustersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored clusters",
	RunE:  runClustersList,
}

var clustersShowCmd = &cobra.Command{
	Use:   "show <cluster-id>",
	Short: "Show a cluster and its members",
	Args:  cobra.ExactArgs(1),
	RunE:  runClustersShow,
}

var clustersSimilarCmd = &cobra.Command{
	Use:   "similar <cluster-id|reference-id>",
	Short: "Find clusters whose roots look alike",
	Long: `Find the clusters whose root faces are nearest to the root of the given
cluster. A face reference id (photo-uid/index) selects the cluster that owns it.
Useful to spot one person split into several clusters.`,
	Args: cobra.ExactArgs(1),
	RunE: runClustersSimilar,
}

func init() {
	rootCmd.AddCommand(clustersCmd)
	clustersCmd.AddCommand(clustersRunCmd, clustersListCmd, clustersShowCmd, clustersSimilarCmd)

	clustersRunCmd.Flags().Float64("threshold", 0, "Merge threshold override (default CLUSTER_MERGE_THRESHOLD)")
	clustersRunCmd.Flags().Int("concurrency", 0, "Albums swept in parallel (default CLUSTER_ALBUM_CONCURRENCY)")

	clustersListCmd.Flags().Int("limit", 0, "Limit number of clusters shown (0 = all)")
	clustersListCmd.Flags().Bool("unnamed", false, "Only clusters with a generated contact")

	clustersSimilarCmd.Flags().Int("limit", constants.DefaultSimilarLimit, "Number of clusters to show")
}

func runClustersRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	if t := mustGetFloat64(cmd, "threshold"); t > 0 {
		cfg.Clustering.MergeThreshold = t
	}
	if c := mustGetInt(cmd, "concurrency"); c > 0 {
		cfg.Clustering.AlbumConcurrency = c
	}

	p, err := newPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	jsonOutput := mustGetBool(cmd, "json")
	opts := runOptions(cfg)
	var bar *progressbar.ProgressBar
	if !jsonOutput {
		bar = progressbar.NewOptions(-1,
			progressbar.OptionSetDescription("Clustering"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetItsString("albums"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionFullWidth(),
		)
		opts.OnProgress = func(info sorter.ProgressInfo) {
			bar.Describe(fmt.Sprintf("%-9s", info.Phase))
			bar.ChangeMax(info.Total)
			_ = bar.Set(info.Current)
		}
	}

	result, err := p.sorter.Run(ctx, opts)
	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}
	if errors.Is(err, sorter.ErrRunInProgress) {
		return fmt.Errorf("%w (lock %s)", err, cfg.Clustering.LockPath)
	}
	if err != nil {
		return fmt.Errorf("clustering pass failed: %w", err)
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(result)
	}
	printRunResult(result)
	return nil
}

func printRunResult(r *sorter.RunResult) {
	fmt.Printf("Albums:      %d (%d failed, %d without processed photos)\n", r.AlbumsTotal, r.AlbumsFailed, r.AlbumsAbsent)
	fmt.Printf("Faces:       %d seen, %d already clustered, %d below quality\n", r.ReferencesSeen, r.Known, r.Skipped)
	fmt.Printf("Clusters:    %d created, %d pruned, %d deleted\n", r.ClustersCreated, r.ClustersPruned, r.ClustersDeleted)
	fmt.Printf("Members:     %d assigned, %d without a close root\n", r.MembersAssigned, r.Unmatched)
	fmt.Printf("Contacts:    %d attached, %d generated, %d faces annotated\n", r.ContactsAttached, r.ContactsSynthesized, r.Annotations)
	if r.PropagationFailures > 0 {
		fmt.Printf("Failures:    %d clusters could not be updated\n", r.PropagationFailures)
	}
	for _, album := range r.FailedAlbums {
		fmt.Printf("  failed album: %s\n", album)
	}
	fmt.Printf("Duration:    %s\n", r.Duration.Round(time.Millisecond))
}

func runClustersList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, closeStore, err := openStore(config.Load())
	if err != nil {
		return err
	}
	defer closeStore()

	clusters, err := store.ListClusters(ctx)
	if err != nil {
		return fmt.Errorf("failed to list clusters: %w", err)
	}
	if mustGetBool(cmd, "unnamed") {
		named := clusters[:0]
		for _, c := range clusters {
			if c.Synthesized || !c.HasContact() {
				named = append(named, c)
			}
		}
		clusters = named
	}
	if limit := mustGetInt(cmd, "limit"); limit > 0 && len(clusters) > limit {
		clusters = clusters[:limit]
	}

	if mustGetBool(cmd, "json") {
		return json.NewEncoder(os.Stdout).Encode(clusters)
	}
	if len(clusters) == 0 {
		fmt.Println("No clusters")
		return nil
	}
	fmt.Printf("%-36s  %7s  %-24s  %s\n", "CLUSTER", "MEMBERS", "CONTACT", "ROOT")
	for _, c := range clusters {
		fmt.Printf("%-36s  %7d  %-24s  %s\n", c.ID, c.MemberCount, contactLabel(&c), c.RootReferenceID)
	}
	return nil
}

func contactLabel(c *database.StoredCluster) string {
	switch {
	case !c.HasContact():
		return "-"
	case c.Synthesized:
		return c.ContactName + " *"
	default:
		return c.ContactName
	}
}

func runClustersShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg := config.Load()
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	c, err := store.GetCluster(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to get cluster: %w", err)
	}
	if c == nil {
		return fmt.Errorf("cluster %s not found", args[0])
	}
	members, err := store.ListMembers(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("failed to list members: %w", err)
	}

	if mustGetBool(cmd, "json") {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{"cluster": c, "members": members})
	}
	fmt.Printf("Cluster: %s (#%d)\n", c.ID, c.Seq)
	fmt.Printf("Contact: %s\n", contactLabel(c))
	fmt.Printf("Root:    %s\n", c.RootReferenceID)
	fmt.Printf("Members: %d\n\n", len(members))
	for _, m := range members {
		marker := ""
		if m.IsRoot {
			marker = " (root)"
		}
		photo := m.PhotoUID
		if link := cfg.PhotoPrism.PhotoURL(m.PhotoUID); link != "" {
			photo = link
		}
		fmt.Printf("  %-24s %s%s\n", m.ReferenceID, photo, marker)
	}
	return nil
}

// resolveCluster accepts a cluster id or the id of a reference the cluster owns.
func resolveCluster(ctx context.Context, store database.Store, id string) (*database.StoredCluster, error) {
	c, err := store.GetCluster(ctx, id)
	if err != nil || c != nil {
		return c, err
	}
	owner, ok, err := store.LookupReference(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s is neither a cluster nor a clustered face", id)
	}
	return store.GetCluster(ctx, owner)
}

func runClustersSimilar(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg := config.Load()
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	c, err := resolveCluster(ctx, store, args[0])
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("cluster for %s not found", args[0])
	}

	idx := rootIndex()
	if err := idx.Sync(ctx, store, cfg.Database.HNSWIndexPath); err != nil {
		return fmt.Errorf("failed to build root index: %w", err)
	}

	limit := mustGetInt(cmd, "limit")
	entries, distances, err := idx.Search(c.RootEmbedding, limit+1)
	if err != nil {
		return fmt.Errorf("similarity search failed: %w", err)
	}

	type similar struct {
		ClusterID   string  `json:"cluster_id"`
		ContactName string  `json:"contact_name,omitempty"`
		MemberCount int     `json:"member_count"`
		Distance    float64 `json:"distance"`
		Mergeable   bool    `json:"mergeable"`
	}
	var out []similar
	for i, e := range entries {
		if e.ClusterID == c.ID || len(out) == limit {
			continue
		}
		out = append(out, similar{
			ClusterID:   e.ClusterID,
			ContactName: e.ContactName,
			MemberCount: e.MemberCount,
			Distance:    distances[i],
			Mergeable:   distances[i] < cfg.Clustering.MergeThreshold,
		})
	}

	if mustGetBool(cmd, "json") {
		return json.NewEncoder(os.Stdout).Encode(out)
	}
	fmt.Printf("Nearest roots to %s (%s):\n", c.ID, contactLabel(c))
	for _, s := range out {
		flag := ""
		if s.Mergeable {
			flag = "  below merge threshold"
		}
		fmt.Printf("  %-36s  %.4f  %5d  %s%s\n", s.ClusterID, s.Distance, s.MemberCount, s.ContactName, flag)
	}
	return nil
}
