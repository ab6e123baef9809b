package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"llamactx/internal/engine"
	"llamactx/internal/registry"
	"llamactx/pkg/types"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newModelsCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List *.gguf models in the models dir",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.loadConfig(cmd)
			if err != nil {
				return err
			}
			models, err := registry.LoadDir(cfg.ModelsDir)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSIZE\tPATH")
			for _, m := range models {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", m.ID, m.SizeBytes, m.Path)
			}
			return tw.Flush()
		},
	}
}

func newInfoCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info <model>",
		Short: "Print GGUF metadata without loading the model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel, os.Stderr)
			ctx := logger.WithContext(cmd.Context())
			rt, err := newRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.close(ctx)
			md, err := rt.mgr.LoadModelInfo(ctx, resolveModel(cfg, args[0]))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), md)
		},
	}
}

func newCPUCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cpu",
		Short: "Print CPU features relevant to llama.cpp",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(cmd.OutOrStdout(), engine.CPUFeatures())
		},
	}
}

func newCompleteCmd(o *rootOptions) *cobra.Command {
	var (
		nPredict int
		temp     float64
		chat     bool
		template string
	)
	cmd := &cobra.Command{
		Use:     "complete <model> <prompt>",
		Short:   "Load a model and stream a completion to stdout",
		Example: "  llamactxd complete tinyllama \"Write a haiku about the ocean.\" --chat",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel, os.Stderr)
			ctx := logger.WithContext(cmd.Context())
			rt, err := newRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.close(context.WithoutCancel(ctx))

			errOut := cmd.ErrOrStderr()
			c, err := rt.mgr.InitLlama(ctx, types.ContextParams{Model: resolveModel(cfg, args[0])}, func(p float64) {
				fmt.Fprintf(errOut, "\rloading %3.0f%%", p*100)
			})
			fmt.Fprintln(errOut)
			if err != nil {
				return err
			}

			p := types.CompletionParams{
				ChatTemplate:    template,
				SamplingOptions: types.SamplingOptions{NPredict: nPredict, Temperature: temp},
			}
			if chat {
				p.Messages = []types.ChatMessage{{Role: "user", Content: args[1]}}
			} else {
				p.Prompt = args[1]
			}

			out := cmd.OutOrStdout()
			s := c.Stream(ctx, p)
			for tok := range s.Tokens() {
				fmt.Fprint(out, tok.Token)
			}
			res, err := s.Wait()
			fmt.Fprintln(out)
			if err != nil {
				return err
			}
			fmt.Fprintf(errOut, "predicted=%d evaluated=%d interrupted=%t\n", res.TokensPredicted, res.TokensEvaluated, res.Interrupted)
			return nil
		},
	}
	cmd.Flags().IntVarP(&nPredict, "n-predict", "n", 256, "Maximum tokens to generate")
	cmd.Flags().Float64Var(&temp, "temperature", 0.7, "Sampling temperature")
	cmd.Flags().BoolVar(&chat, "chat", false, "Send the prompt as a user message")
	cmd.Flags().StringVar(&template, "template", "", "Chat template (chatml, llama3, gemma)")
	return cmd
}

func newBenchCmd(o *rootOptions) *cobra.Command {
	var pp, tg, pl, nr int
	cmd := &cobra.Command{
		Use:   "bench <model>",
		Short: "Measure prompt processing and generation speed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel, os.Stderr)
			ctx := logger.WithContext(cmd.Context())
			rt, err := newRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.close(context.WithoutCancel(ctx))

			c, err := rt.mgr.InitLlama(ctx, types.ContextParams{Model: resolveModel(cfg, args[0])}, nil)
			if err != nil {
				return err
			}
			res, err := c.Bench(ctx, pp, tg, pl, nr)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().IntVar(&pp, "pp", 512, "Prompt tokens")
	cmd.Flags().IntVar(&tg, "tg", 128, "Generated tokens")
	cmd.Flags().IntVar(&pl, "pl", 1, "Parallel sequences")
	cmd.Flags().IntVar(&nr, "nr", 3, "Repetitions")
	return cmd
}
