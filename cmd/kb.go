package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/stockresearch/internal/helpers"
	"github.com/mohammad-safakhou/stockresearch/internal/tools/rag"
)

func kbCMD(load loader) *cobra.Command {
	var kb string
	var topK int
	var root = &cobra.Command{
		Use:   "kb",
		Short: "Manage the knowledge bases searched by rag_search",
	}
	root.PersistentFlags().StringVar(&kb, "kb", "", "knowledge base name (default tools.rag.default_kb)")

	open := func() (*rag.Library, string, error) {
		cfg, err := load()
		if err != nil {
			return nil, "", err
		}
		if cfg.Tools.RAG.IndexDir == "" {
			return nil, "", errors.New("tools.rag.index_dir is not set")
		}
		name := kb
		if name == "" {
			name = cfg.Tools.RAG.DefaultKB
		}
		if topK <= 0 {
			topK = cfg.Tools.RAG.TopK
		}
		return rag.NewLibrary(cfg.Tools.RAG.IndexDir), name, nil
	}

	index := &cobra.Command{
		Use:   "index PATH...",
		Short: "Index text, markdown and HTML files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, name, err := open()
			if err != nil {
				return err
			}
			defer lib.Close()
			docs, err := rag.LoadDocuments(args...)
			if err != nil {
				return err
			}
			if len(docs) == 0 {
				return errors.New("no indexable documents found")
			}
			n, err := lib.Index(name, docs...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d documents (%d chunks) into %s\n", len(docs), n, name)
			return nil
		},
	}

	var asJSON bool
	search := &cobra.Command{
		Use:   "search QUERY...",
		Short: "Search a knowledge base",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, name, err := open()
			if err != nil {
				return err
			}
			defer lib.Close()
			hits, err := lib.Search(name, strings.Join(args, " "), topK)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(hits)
			}
			for _, h := range hits {
				fmt.Fprintf(out, "[%d] %.3f %s (%s)\n    %s\n", h.Rank, h.Score, h.Title, h.Source, helpers.Truncate(strings.Join(strings.Fields(h.Text), " "), 240))
			}
			return nil
		},
	}
	search.Flags().IntVar(&topK, "top-k", 0, "passages to return (default tools.rag.top_k)")
	search.Flags().BoolVar(&asJSON, "json", false, "print passages as JSON")

	list := &cobra.Command{
		Use:   "list",
		Short: "List knowledge bases",
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, _, err := open()
			if err != nil {
				return err
			}
			defer lib.Close()
			for _, n := range lib.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}

	root.AddCommand(index, search, list)
	return root
}
