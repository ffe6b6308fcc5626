package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/promptlab/internal/catalog"
	"github.com/kalambet/promptlab/internal/composer"
	"github.com/kalambet/promptlab/internal/config"
	"github.com/kalambet/promptlab/internal/identity"
	"github.com/kalambet/promptlab/internal/progress"
	"github.com/kalambet/promptlab/internal/storage"
)

// --- tasks ---

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect or import the task catalog (operates on the configured store)",
}

// withCatalog opens the configured store for the duration of fn.
func withCatalog(fn func(*catalog.Catalog) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()
	return fn(catalog.New(store))
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCatalog(func(c *catalog.Catalog) error {
			tasks, err := c.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Fprintln(out, "No tasks found. Import some with `promptlab tasks import <file>`.")
				return nil
			}
			for _, t := range tasks {
				fmt.Fprintf(out, "%s  %s\n", colorize(colorCyan, fmt.Sprintf("%3d", t.ID)), t.Name)
			}
			return nil
		})
	},
}

var tasksShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("task id must be a number: %q", args[0])
		}
		asHTML, _ := cmd.Flags().GetBool("html")
		return withCatalog(func(c *catalog.Catalog) error {
			t, err := c.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			if asHTML {
				fmt.Fprintln(out, catalog.HTMLDescription(t.Description))
				return nil
			}
			printTaskHeader(t.ID, t.Name, catalog.PlainDescription(t.Description))
			return nil
		})
	},
}

var tasksImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Create or update tasks from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCatalog(func(c *catalog.Catalog) error {
			n, err := c.ImportFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printSuccess("Imported %d tasks from %s", n, args[0])
			return nil
		})
	},
}

func init() {
	tasksShowCmd.Flags().Bool("html", false, "print the description as HTML")
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksShowCmd)
	tasksCmd.AddCommand(tasksImportCmd)
}

// --- chat ---

type taskPage struct {
	Task           storage.Task   `json:"task"`
	Turns          []storage.Turn `json:"turns"`
	CompletedTasks []int          `json:"completedTasks"`
	CanAccess      bool           `json:"canAccess"`
	TaskCount      int            `json:"taskCount"`
}

func (c *apiClient) taskPage(ctx context.Context, userID string, taskID int) (taskPage, error) {
	var page taskPage
	resp, err := c.post(ctx, "/api/task-page", map[string]any{"userID": userID, "taskId": taskID})
	if err != nil {
		return page, err
	}
	return page, decodeJSON(resp, &page)
}

type nextTask struct {
	Next     int  `json:"next"`
	Complete bool `json:"complete"`
}

func (c *apiClient) nextTask(ctx context.Context, userID string, taskID int) (nextTask, error) {
	var n nextTask
	resp, err := c.post(ctx, "/api/next-task", map[string]any{"userID": userID, "taskId": taskID})
	if err != nil {
		return n, err
	}
	return n, decodeJSON(resp, &n)
}

type generated struct {
	Success    bool   `json:"success"`
	Response   string `json:"response"`
	TurnNumber int    `json:"turnNumber"`
}

func (c *apiClient) generate(ctx context.Context, userID string, task storage.Task, prompt string, history []composer.Message) (generated, error) {
	var g generated
	resp, err := c.post(ctx, "/api/generate-response", map[string]any{
		"userID":              userID,
		"taskID":              task.ID,
		"prompt":              prompt,
		"taskName":            task.Name,
		"taskDescription":     task.Description,
		"conversationHistory": history,
	})
	if err != nil {
		return g, err
	}
	return g, decodeJSON(resp, &g)
}

func historyFromTurns(turns []storage.Turn) []composer.Message {
	pairs := make([][2]string, len(turns))
	for i, t := range turns {
		pairs[i] = [2]string{t.PromptText, t.ResponseText}
	}
	return composer.History(pairs)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Take part in the study from the terminal",
	Long: `Take part in the study from the terminal.

A participant id is created on first use and stored locally. Without --task,
chat resumes at the first task you have not yet worked on.

Commands inside a task:
  /next      move on (requires at least one prompt in this task)
  /task N    go back to an earlier task
  /quit      leave; progress is saved on the server`,
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, _ := cmd.Flags().GetInt("task")
		idPath, _ := cmd.Flags().GetString("identity")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runChat(cmd.Context(), client, identity.NewProvider(idPath, client), os.Stdin, taskID)
	},
}

func init() {
	chatCmd.Flags().Int("task", 0, "task to open (default: resume)")
	chatCmd.Flags().String("identity", identity.DefaultPath(), "participant id file")
}

func runChat(ctx context.Context, client *apiClient, ids *identity.Provider, in io.Reader, taskID int) error {
	userID, err := ids.Ensure(ctx)
	if err != nil {
		return err
	}

	if taskID == 0 {
		first, err := client.taskPage(ctx, userID, 1)
		if err != nil {
			return err
		}
		st := progress.NewSequencer(first.TaskCount).Resume(first.CompletedTasks)
		if st.Complete {
			printSuccess("You have completed all %d tasks. Thank you!", first.TaskCount)
			return nil
		}
		taskID = st.Task
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for {
		page, err := client.taskPage(ctx, userID, taskID)
		if err != nil {
			return err
		}
		if !page.CanAccess {
			return fmt.Errorf("task %d is locked; finish task %d first", taskID, taskID-1)
		}

		printTaskHeader(page.Task.ID, page.Task.Name, catalog.PlainDescription(page.Task.Description))
		for _, t := range page.Turns {
			printTurn("you", t.PromptText)
			printTurn("model", t.ResponseText)
		}
		printStep("Type a prompt, /next to continue, /quit to stop")
		history := historyFromTurns(page.Turns)

		next, done, err := chatTask(ctx, client, scanner, userID, page, history)
		if err != nil || done {
			return err
		}
		taskID = next
	}
}

// chatTask runs the prompt loop for one task. It returns the task to open
// next, or done when the participant quit or finished the study.
func chatTask(ctx context.Context, client *apiClient, scanner *bufio.Scanner, userID string, page taskPage, history []composer.Message) (next int, done bool, err error) {
	for {
		fmt.Fprint(out, colorize(colorBold, "you> "))
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return 0, true, scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "":
			continue
		case line == "/quit":
			return 0, true, nil
		case line == "/next":
			n, err := client.nextTask(ctx, userID, page.Task.ID)
			var se *serverError
			if errors.As(err, &se) && se.Status == http.StatusForbidden {
				printWarning("%s", se.Message)
				continue
			}
			if err != nil {
				return 0, false, err
			}
			if n.Complete {
				printSuccess("You have completed all %d tasks. Thank you!", page.TaskCount)
				return 0, true, nil
			}
			return n.Next, false, nil
		case strings.HasPrefix(line, "/task "):
			k, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "/task ")))
			if err != nil || k <= 0 {
				printWarning("usage: /task N")
				continue
			}
			return k, false, nil
		case strings.HasPrefix(line, "/"):
			printWarning("unknown command %s", line)
			continue
		}

		g, err := client.generate(ctx, userID, page.Task, line, history)
		if err != nil {
			printError("%v", err)
			continue
		}
		printTurn("model", g.Response)
		history = append(history,
			composer.Message{Role: string(composer.RoleUser), Text: line},
			composer.Message{Role: composer.MessageRoleAssistant, Text: g.Response},
		)
	}
}

// --- export ---

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export recorded turns as JSONL (requires server.admin_token)",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		sinceStr, _ := cmd.Flags().GetString("since")
		pageSize, _ := cmd.Flags().GetInt("page-size")

		var since time.Time
		if sinceStr != "" {
			t, err := time.Parse(time.RFC3339, sinceStr)
			if err != nil {
				return fmt.Errorf("--since must be RFC 3339: %w", err)
			}
			since = t
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		w := out
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			w = f
		}

		n, err := exportTurns(cmd.Context(), client, w, since, pageSize)
		if err != nil {
			return err
		}
		if output != "" {
			printSuccess("Exported %d turns to %s", n, output)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().String("output", "", "output file path (default: stdout)")
	exportCmd.Flags().String("since", "", "only turns created after this RFC 3339 time")
	exportCmd.Flags().Int("page-size", 500, "turns fetched per request (max 5000)")
}

// exportTurns pages through /admin/turns and writes one JSON object per line.
// Each page resumes after the (created_at, id) of the previous page's last
// row, so turns sharing a timestamp are never skipped.
func exportTurns(ctx context.Context, client *apiClient, w io.Writer, since time.Time, pageSize int) (int, error) {
	if pageSize <= 0 {
		pageSize = 500
	}
	enc := json.NewEncoder(w)
	cur := storage.ExportCursor{CreatedAt: since}
	total := 0
	for {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(pageSize))
		if !cur.CreatedAt.IsZero() {
			q.Set("since", cur.CreatedAt.Format(time.RFC3339Nano))
		}
		if cur.ID != "" {
			q.Set("after_id", cur.ID)
		}
		resp, err := client.get(ctx, "/admin/turns?"+q.Encode())
		if err != nil {
			return total, err
		}
		var turns []storage.Turn
		if err := decodeJSON(resp, &turns); err != nil {
			return total, err
		}
		for _, t := range turns {
			if err := enc.Encode(t); err != nil {
				return total, err
			}
		}
		total += len(turns)
		if len(turns) < pageSize {
			return total, nil
		}
		cur = turns[len(turns)-1].Cursor()
	}
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "# %s\n", config.ConfigFilePath())
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value.\n\nValid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
