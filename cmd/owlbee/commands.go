package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/hurttlocker/owlbee/internal/analytics"
	"github.com/hurttlocker/owlbee/internal/answer"
	"github.com/hurttlocker/owlbee/internal/config"
	"github.com/hurttlocker/owlbee/internal/kb"
	"github.com/hurttlocker/owlbee/internal/mcp"
	"github.com/hurttlocker/owlbee/internal/server"
	"github.com/hurttlocker/owlbee/internal/store"
)

func (a *app) trainCmd() *cobra.Command {
	var text, mode, name, description string
	cmd := &cobra.Command{
		Use:   "train <chatbot-id> [files/urls...]",
		Short: "Train a chatbot from files, URLs or text",
		Long: `Train a chatbot from local files (pdf, docx, txt, md, json, yaml, csv,
xlsx), websites, Google Docs/Sheets links, or --text. The previous training
is replaced only when the new run succeeds.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, sources := args[0], args[1:]
			if len(sources) == 0 && strings.TrimSpace(text) == "" {
				return errors.New("nothing to train on: pass files/URLs or --text")
			}
			if len(sources) > 0 && text != "" {
				return errors.New("use either --text or files/URLs, not both")
			}
			m, err := answer.ParseMode(mode)
			if err != nil {
				return err
			}

			rt, _, _, err := a.runtime()
			if err != nil {
				return err
			}
			defer rt.Close()

			opts := answer.TrainOptions{
				Mode: m,
				Progress: func(current, total int) {
					fmt.Fprintf(a.errOut, "\r  embedding [%d/%d]", current, total)
					if current == total {
						fmt.Fprintln(a.errOut)
					}
				},
			}
			meta := kb.Metadata{Name: name, Description: description}

			var res answer.TrainingResult
			if len(sources) > 0 {
				res, err = rt.Engine.TrainSources(cmd.Context(), id, sources, meta, opts)
			} else {
				res, err = rt.Engine.Train(cmd.Context(), id, text, meta, opts)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(a.out, "Trained %s (%s)\n", id, res.Kind)
			switch res.Kind {
			case store.KindKnowledgeBase:
				fmt.Fprintf(a.out, "  facts:      %d\n", res.Facts)
				fmt.Fprintf(a.out, "  patterns:   %d\n", res.Patterns)
			default:
				fmt.Fprintf(a.out, "  passages:   %d\n", res.Passages)
				fmt.Fprintf(a.out, "  embeddings: %t\n", res.HasEmbeddings)
			}
			if res.Fallback != "" {
				fmt.Fprintf(a.out, "  fallback:   %s\n", res.Fallback)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "train on this text instead of files")
	cmd.Flags().StringVar(&mode, "mode", "", "training mode: auto, kb or legacy (default from config)")
	cmd.Flags().StringVar(&name, "name", "", "chatbot display name")
	cmd.Flags().StringVar(&description, "description", "", "chatbot description")
	return cmd
}

func (a *app) askCmd() *cobra.Command {
	var persona, conversation string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "ask <chatbot-id> <message...>",
		Short: "Answer a message as a trained chatbot",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, _, err := a.runtime()
			if err != nil {
				return err
			}
			defer rt.Close()

			reply, err := rt.Engine.Converse(cmd.Context(), answer.Request{
				ChatbotID:      args[0],
				Message:        strings.Join(args[1:], " "),
				Persona:        persona,
				ConversationID: conversation,
			})
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(a.out, reply)
			}
			fmt.Fprintln(a.out, reply.Text)
			return nil
		},
	}
	cmd.Flags().StringVar(&persona, "persona", "", "persona prompt")
	cmd.Flags().StringVar(&conversation, "conversation", "", "continue this conversation id")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full reply as JSON")
	return cmd
}

func (a *app) searchCmd() *cobra.Command {
	var k int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "search <chatbot-id> <query...>",
		Short: "Rank a chatbot's stored content against a query",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, _, err := a.runtime()
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.Engine.Search(cmd.Context(), args[0], strings.Join(args[1:], " "), k)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("chatbot %q is not trained", args[0])
			}
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(a.out, res)
			}

			if res.Kind == store.KindKnowledgeBase {
				if len(res.Matches) == 0 {
					fmt.Fprintln(a.out, "No matches.")
				}
				for i, m := range res.Matches {
					fmt.Fprintf(a.out, "%d. [%.2f %s] %s\n", i+1, m.Score, m.Type, m.Answer)
				}
				return nil
			}
			fmt.Fprintf(a.out, "method: %s\n", res.Method)
			if len(res.Passages) == 0 {
				fmt.Fprintln(a.out, "No matches.")
			}
			for i, p := range res.Passages {
				fmt.Fprintf(a.out, "%d. [%.2f #%d] %s\n", i+1, p.Similarity, p.Index, p.Content)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&k, "top", "k", 0, "number of results (default from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

func (a *app) extractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract <file-or-url>",
		Short: "Print the text owlbee would train on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, _, err := a.runtime()
			if err != nil {
				return err
			}
			defer rt.Close()

			text, err := rt.Engine.Extract(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, text)
			return nil
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status [chatbot-id]",
		Short: "Show a chatbot's training, or list all trained chatbots",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, _, err := a.runtime()
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx := cmd.Context()

			ids := args
			if len(ids) == 0 {
				if ids, err = rt.Engine.List(ctx); err != nil {
					return err
				}
			}
			statuses := make([]answer.Status, 0, len(ids))
			for _, id := range ids {
				st, err := rt.Engine.Status(ctx, id)
				if err != nil {
					return err
				}
				statuses = append(statuses, st)
			}
			if asJSON {
				return writeJSON(a.out, statuses)
			}
			if len(statuses) == 0 {
				fmt.Fprintln(a.out, "No trained chatbots.")
				return nil
			}

			tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "CHATBOT\tKIND\tCONTENT\tEMBEDDINGS\tTRAINED")
			for _, st := range statuses {
				if !st.IsTrained {
					fmt.Fprintf(tw, "%s\t-\tnot trained\t-\t-\n", st.ChatbotID)
					continue
				}
				content := fmt.Sprintf("%d passages", st.Passages)
				if st.Kind == store.KindKnowledgeBase {
					content = fmt.Sprintf("%d facts, %d patterns", st.Facts, st.Patterns)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", st.ChatbotID, st.Kind, content, st.HasEmbeddings,
					st.TrainedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <chatbot-id>",
		Short: "Delete a chatbot's training data and conversation log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, _, err := a.runtime()
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.Engine.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Deleted %s\n", args[0])
			return nil
		},
	}
}

func (a *app) statsCmd() *cobra.Command {
	var asJSON bool
	var limit int
	cmd := &cobra.Command{
		Use:   "stats <chatbot-id>",
		Short: "Summarize a chatbot's logged conversations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, _, err := a.runtime()
			if err != nil {
				return err
			}
			defer rt.Close()

			convs, err := rt.Engine.Conversations(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			report := analytics.Summarize(convs, time.Local)
			if asJSON {
				return writeJSON(a.out, report)
			}

			fmt.Fprintf(a.out, "Conversations:      %d\n", report.TotalConversations)
			fmt.Fprintf(a.out, "Avg message length: %.1f\n", report.AvgMessageLength)
			fmt.Fprintf(a.out, "Busiest hour:       %s\n", report.BusiestHour)
			fmt.Fprintf(a.out, "Busiest day:        %s\n", report.BusiestDay)
			if len(report.TopQuestions) > 0 {
				fmt.Fprintln(a.out, "\nTop questions:")
				for _, q := range report.TopQuestions {
					fmt.Fprintf(a.out, "  %3d  %5.1f%%  %s\n", q.Count, q.Percentage, q.Question)
				}
			}
			if len(report.Keywords) > 0 {
				words := make([]string, len(report.Keywords))
				for i, k := range report.Keywords {
					words[i] = fmt.Sprintf("%s (%d)", k.Keyword, k.Score)
				}
				fmt.Fprintf(a.out, "\nKeywords: %s\n", strings.Join(words, ", "))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	cmd.Flags().IntVar(&limit, "limit", 0, "only the newest N conversations (0 = all)")
	return cmd
}

func (a *app) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cfg, log, err := a.runtime()
			if err != nil {
				return err
			}
			defer rt.Close()

			if addr == "" {
				addr = cfg.ServerAddr.Value
			}
			srv := server.New(rt.Engine, rt.Metrics, server.Options{
				TrainTimeout: cfg.Crawl.Timeout + time.Minute,
			}, log)
			return srv.Start(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config, :8080)")
	return cmd
}

func (a *app) mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve owlbee tools over MCP (stdio)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, log, err := a.runtime()
			if err != nil {
				return err
			}
			defer rt.Close()

			s := mcp.NewServer(mcp.ServerConfig{Engine: rt.Engine, Version: version, Log: log})
			return mcpserver.ServeStdio(s)
		},
	}
}

func (a *app) configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show resolved settings and where each came from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.resolve()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "config file\t%s\t\n", cfg.ConfigPath)
			for _, row := range []struct {
				name string
				v    config.ResolvedValue
			}{
				{"data_dir", cfg.DataDir},
				{"store", cfg.StoreBackend},
				{"db_path", cfg.DBPath},
				{"llm", cfg.LLMProvider},
				{"llm.kb", cfg.EffectiveLLMModel("kb", "")},
				{"llm.answer", cfg.EffectiveLLMModel("answer", "")},
				{"embed", cfg.EmbedProvider},
				{"log.level", cfg.LogLevel},
				{"log.format", cfg.LogFormat},
				{"server.addr", cfg.ServerAddr},
			} {
				val := row.v.Value
				if val == "" {
					val = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", row.name, val, row.v.From)
			}
			fmt.Fprintf(tw, "train.mode\t%s\t\n", cfg.Train.Mode)
			return tw.Flush()
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
