package cli

import (
	"github.com/spf13/cobra"

	"github.com/montylab/simorch/internal/domain"
)

func NewCatalogCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the image and brain profile catalog",
	}

	var role string
	images := &cobra.Command{
		Use:   "images",
		Short: "List container images",
		RunE: func(cmd *cobra.Command, args []string) error {
			roles := []domain.ImageRole{domain.ImageRoleMonty, domain.ImageRoleSimulator}
			if role != "" {
				roles = []domain.ImageRole{domain.ImageRole(role)}
			}
			var all []domain.DockerImage
			for _, r := range roles {
				imgs, err := clientFn().Images(cmd.Context(), r)
				if err != nil {
					return err
				}
				all = append(all, imgs...)
			}
			rows := make([][]string, len(all))
			for i, img := range all {
				rows[i] = []string{img.ID, string(img.Role), img.Repo, img.Tag}
			}
			outputFn().Print([]string{"ID", "TYPE", "REPO", "TAG"}, rows, all)
			return nil
		},
	}
	images.Flags().StringVar(&role, "type", "", "Only images of this type (monty, simulator)")

	profiles := &cobra.Command{
		Use:   "profiles",
		Short: "List brain profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := clientFn().BrainProfiles(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, len(list))
			for i, p := range list {
				rows[i] = []string{p.ID, p.Name}
			}
			outputFn().Print([]string{"ID", "NAME"}, rows, list)
			return nil
		},
	}

	cmd.AddCommand(images, profiles)
	return cmd
}
