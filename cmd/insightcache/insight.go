package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fincoach/insightcache/pkg/insights"
	"github.com/fincoach/insightcache/pkg/models"
)

func newInsightCmd() *cobra.Command {
	var (
		configPath  string
		req         insights.Request
		insightType string
		contextArg  string
	)

	cmd := &cobra.Command{
		Use:   "insight",
		Short: "Fetch one insight through the cache",
		Long: `Fetch one insight through the cache, generating it on a miss.

The --context flag takes inline JSON or @path to a JSON file holding the
financial context, e.g. {"balance":{"remaining":1234.56}}.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			req.InsightType = models.InsightType(insightType)
			if contextArg != "" {
				c, err := readContext(contextArg)
				if err != nil {
					return err
				}
				req.Context = c
			}

			a, err := setup(ctx, configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			orch := a.orchestrator()
			defer orch.Wait()
			res, err := orch.GetOrGenerate(ctx, req)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.Flags().Int64VarP(&req.UserID, "user", "u", 0, "user id")
	cmd.Flags().StringVarP(&insightType, "type", "t", string(models.InsightMonthlyBalance), "insight type")
	cmd.Flags().StringVarP(&req.Personality, "personality", "p", insights.DefaultPersonality, "personality")
	cmd.Flags().StringVar(&req.Prompt, "prompt", "", "prompt text")
	cmd.Flags().StringVar(&contextArg, "context", "", "financial context as JSON or @file")
	cmd.Flags().BoolVar(&req.ForceRegenerate, "force", false, "skip the cache lookup")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func readContext(arg string) (models.ContentContext, error) {
	var c models.ContentContext
	data := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return c, fmt.Errorf("read context: %w", err)
		}
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse context: %w", err)
	}
	return c, nil
}
