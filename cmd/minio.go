package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/eschnou/sunorooms/core/audio"
)

var (
	minioPrefix string
	minioStats  bool
)

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "List uploaded tracks in the MinIO bucket",
	Long:  `List the audio objects uploaded by DJs, or print bucket statistics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("MinIO: %s, bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)

		store, err := openMinio(cmd.Context())
		if err != nil {
			return err
		}

		objects, stats, err := store.List(cmd.Context(), minioPrefix)
		if err != nil {
			return err
		}

		if !minioStats {
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tSIZE\tMODIFIED\tURL")
			for _, o := range objects {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", o.Key, audio.FormatFileSize(o.Size),
					o.LastModified.Format("2006-01-02 15:04:05"), store.PublicURL(o.Key))
			}
			w.Flush()
		}

		fmt.Printf("\n%d objects, %s", stats.TotalObjects, audio.FormatFileSize(stats.TotalSize))
		if !stats.LastModified.IsZero() {
			fmt.Printf(", last upload %s", stats.LastModified.Format("2006-01-02 15:04:05"))
		}
		fmt.Println()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(minioCmd)

	minioCmd.Flags().StringVarP(&minioPrefix, "prefix", "p", "", "only list keys with this prefix")
	minioCmd.Flags().BoolVarP(&minioStats, "stats", "s", false, "print bucket statistics only")

	minioCmd.Example = `  # list every uploaded track
  sunorooms minio

  # bucket statistics
  sunorooms minio -s`
}
