package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashureev/taskflow/internal/catalog"
	"github.com/ashureev/taskflow/internal/domain"
	"github.com/ashureev/taskflow/internal/flow"
	"github.com/ashureev/taskflow/internal/nlu"
	"github.com/ashureev/taskflow/internal/preference"
	"github.com/ashureev/taskflow/internal/session"
	"github.com/ashureev/taskflow/internal/store"
	"github.com/ashureev/taskflow/internal/vocab"
)

type chatOptions struct {
	dbPath    string
	tenantID  string
	sessionID string
	complete  bool
}

// localWorker stands in for a real worker: it collects dispatched requests so the
// REPL can report them finished.
type localWorker struct {
	mu      sync.Mutex
	pending []domain.DispatchRequest
}

func (w *localWorker) Dispatch(_ context.Context, req domain.DispatchRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, req)
	return nil
}

func (w *localWorker) drain() []domain.DispatchRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.pending
	w.pending = nil
	return out
}

func newChatCmd(opts *globalOptions) *cobra.Command {
	co := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Long: `chat reads one message per line. Type the number of an action to pick it,
/reset to abandon the current task and /quit to leave.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd, opts, co)
		},
	}
	cmd.Flags().StringVar(&co.dbPath, "db", "", "SQLite database path (default: temporary database)")
	cmd.Flags().StringVarP(&co.tenantID, "tenant", "t", "local", "Tenant ID")
	cmd.Flags().StringVarP(&co.sessionID, "session", "s", "", "Session ID (default: random)")
	cmd.Flags().BoolVar(&co.complete, "complete", true, "Report dispatched work as finished right away")
	return cmd
}

func runChat(cmd *cobra.Command, opts *globalOptions, co *chatOptions) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	logger, err := opts.logger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	cat, err := opts.loadCatalog()
	if err != nil {
		return err
	}
	voc, err := opts.loadVocab()
	if err != nil {
		return err
	}

	dbPath := co.dbPath
	if dbPath == "" {
		dir, err := os.MkdirTemp("", "taskctl-")
		if err != nil {
			return err
		}
		defer func() { _ = os.RemoveAll(dir) }()
		dbPath = filepath.Join(dir, "taskflow.db")
	}
	repo, err := store.NewSQLite(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	sessionID := co.sessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	catalogs := catalog.NewHolder(cat)
	vocabs := vocab.NewHolder(voc)
	worker := &localWorker{}
	prefs := preference.NewStore(preference.DefaultPolicy(), preference.DefaultTracked(), repo, logger)
	mgr := session.NewManager(
		flow.NewController(nlu.NewService(catalogs, vocabs, nil, nlu.ServiceConfig{}), catalogs, vocabs, logger),
		prefs, repo, worker, nil, session.Config{}, logger,
	)

	tenant := domain.TenantContext{TenantID: co.tenantID, Locale: opts.locale}
	fmt.Fprintln(out, dimStyle.Render("session "+sessionID))

	var last []domain.Action
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			if _, err := mgr.Reset(ctx, tenant.TenantID, sessionID); err != nil {
				return err
			}
			last = nil
			fmt.Fprintln(out, dimStyle.Render("session reset"))
			continue
		}

		message := line
		if n, err := strconv.Atoi(line); err == nil && n >= 1 && n <= len(last) {
			if text, ok := flow.ResolveAction(catalogs.Load(), tenant.LocaleOrDefault(), last[n-1].ID); ok {
				message = text
			}
		}

		resp, err := mgr.Process(ctx, tenant, sessionID, message)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, renderResponse(resp))
		last = resp.Actions

		if co.complete {
			if final := completeAll(ctx, out, mgr, worker.drain()); final != nil {
				last = final.Actions
			}
		}
	}
}

func completeAll(ctx context.Context, out io.Writer, mgr *session.Manager, reqs []domain.DispatchRequest) *domain.FlowResponse {
	var final *domain.FlowResponse
	for _, req := range reqs {
		fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("dispatched %s (%s)", req.Capability, req.ID)))
		resp, err := mgr.ReportResult(ctx, req.ID, true, "")
		if err != nil {
			fmt.Fprintln(out, dimStyle.Render("result not recorded: "+err.Error()))
			continue
		}
		if resp != nil {
			fmt.Fprintln(out, renderResponse(*resp))
			final = resp
		}
	}
	return final
}
