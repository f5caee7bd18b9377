package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"lectern/internal/api"
	"lectern/internal/sources"
	"lectern/internal/workflow"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var userID string
	var profile string
	var upload string
	var sourceURL string
	var lectureCapture string
	var displayName string
	var watch bool

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a lecture for processing",
		Example: `  lectern submit --user u1 --upload users/u1/uploads/cardiology.mp4
  lectern submit --user u1 --url https://example.org/lecture.mp4 --watch
  lectern submit --user u1 --lecture-capture 8f2c --profile handout-only`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := sourceDescriptor(upload, sourceURL, lectureCapture)
			if err != nil {
				return err
			}
			desc.DisplayName = strings.TrimSpace(displayName)
			req := workflow.SubmitRequest{
				UserID:  strings.TrimSpace(userID),
				Profile: strings.TrimSpace(profile),
				Source:  desc,
			}

			return ctx.withClient(func(client *api.Client) error {
				job, err := client.Submit(cmd.Context(), req)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() && !watch {
					return writeJSON(cmd, job)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Submitted job %s (%s)\n", job.ID, job.Status)
				if !watch {
					return nil
				}
				return watchJob(cmd, ctx, client, job.ID)
			})
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "Owning user id")
	cmd.Flags().StringVarP(&profile, "profile", "p", "", "Artifact profile (default profile when empty)")
	cmd.Flags().StringVar(&upload, "upload", "", "Storage key of an uploaded recording")
	cmd.Flags().StringVar(&sourceURL, "url", "", "Remote media URL")
	cmd.Flags().StringVar(&lectureCapture, "lecture-capture", "", "Lecture capture recording id")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name for the recording")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Follow progress until the job finishes")
	_ = cmd.MarkFlagRequired("user")
	cmd.MarkFlagsMutuallyExclusive("upload", "url", "lecture-capture")
	cmd.MarkFlagsOneRequired("upload", "url", "lecture-capture")
	return cmd
}

func sourceDescriptor(upload, sourceURL, lectureCapture string) (sources.Descriptor, error) {
	switch {
	case strings.TrimSpace(upload) != "":
		return sources.Descriptor{Type: sources.TypeUpload, Ref: strings.TrimSpace(upload)}, nil
	case strings.TrimSpace(sourceURL) != "":
		return sources.Descriptor{Type: sources.TypeURL, Ref: strings.TrimSpace(sourceURL)}, nil
	case strings.TrimSpace(lectureCapture) != "":
		return sources.Descriptor{Type: sources.TypeLectureCapture, Ref: strings.TrimSpace(lectureCapture)}, nil
	default:
		return sources.Descriptor{}, errors.New("one of --upload, --url or --lecture-capture is required")
	}
}
