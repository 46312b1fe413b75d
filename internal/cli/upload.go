package cli

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/muandane/special-stack/pagekit/internal/imagepipe"
)

type uploadOptions struct {
	Endpoint string
	SavePath string
	MaxCount int
}

func newUploadCmd(e *env) *cobra.Command {
	var opts uploadOptions

	cmd := &cobra.Command{
		Use:   "upload FILE...",
		Short: "Compress and upload images through the slot pipeline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files := make([]imagepipe.File, 0, len(args))
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				files = append(files, imagepipe.File{Name: filepath.Base(path), Data: data})
			}

			uploader := &imagepipe.HTTPUploader{
				Endpoint: opts.Endpoint,
				Client:   &http.Client{Timeout: e.cfg.Client.Timeout},
			}
			p := imagepipe.New(uploader,
				imagepipe.WithSavePath(opts.SavePath),
				imagepipe.WithMaxCount(opts.MaxCount),
				imagepipe.WithLogger(e.logger),
			)

			uploadErr := p.UploadAll(cmd.Context(), files)

			out := cmd.OutOrStdout()
			for _, s := range p.State().Slots {
				if s.Status == imagepipe.StatusDone {
					fmt.Fprintf(out, "%s\t%s\t%s\n", s.FileName, s.Status, s.UploadedURL)
				} else {
					fmt.Fprintf(out, "%s\t%s\t%s\n", s.FileName, s.Status, s.Message)
				}
			}
			return uploadErr
		},
	}

	cmd.Flags().StringVarP(&opts.Endpoint, "endpoint", "e", "", "Upload endpoint URL (required)")
	cmd.Flags().StringVarP(&opts.SavePath, "path", "p", imagepipe.DefaultSavePath, "Logical upload category")
	cmd.Flags().IntVarP(&opts.MaxCount, "max-count", "n", imagepipe.DefaultMaxCount, "Number of image slots")
	_ = cmd.MarkFlagRequired("endpoint")

	return cmd
}
