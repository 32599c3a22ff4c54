package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/eschnou/sunorooms/core/room"
	"github.com/eschnou/sunorooms/logger"
	"github.com/eschnou/sunorooms/server"
	"github.com/eschnou/sunorooms/storage"
)

var serveAudio bool

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the room relay server",
	Long: `Start the HTTP server relaying room channels over WebSocket. It also
serves the participants API and, with --audio, proxies uploaded tracks
from the MinIO bucket.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		hub := room.NewRoomHub()
		go hub.Run()

		var audio server.ObjectReader
		if serveAudio {
			store, err := openMinio(ctx)
			if err != nil {
				logger.Warn("Audio proxy disabled", logger.ErrorField(err))
			} else {
				audio = store
			}
		}

		return server.New(cfg, hub, audio).Run(ctx)
	},
}

func openMinio(ctx context.Context) (*storage.MinioStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return storage.NewMinioStore(ctx, storage.MinioOptions{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
		Region:    cfg.MinioRegion,
		PublicURL: cfg.MinioPublicURL,
	})
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().BoolVar(&serveAudio, "audio", false, "proxy /audio/{id}.mp3 from the MinIO bucket")
}
