package cli

import (
	"github.com/spf13/cobra"

	"ragpack/internal/config"
)

func newPolicyCommand() *cobra.Command {
	var policyPath string
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Print the effective policy as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			policy, err := config.LoadPolicy(policyPath)
			if err != nil {
				return fail(ExitError, "Failed to load policy:\n%v", err)
			}
			data, err := policy.YAML()
			if err != nil {
				return fail(ExitError, "Failed to render policy: %v", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVar(&policyPath, "policy", "", "Policy override file merged onto the built-in policy")
	return cmd
}
