package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/labflow/internal/controlplane"
	"github.com/fentz26/labflow/internal/models"
	"github.com/fentz26/labflow/internal/query"
	"github.com/fentz26/labflow/internal/workflow"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Assign a new task",
	RunE:  runTaskAdd,
}

var taskRepeatCmd = &cobra.Command{
	Use:   "repeat [task-id]",
	Short: "Create a task that repeats one stage of an existing task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskRepeat,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details and its stage timeline",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskEditCmd = &cobra.Command{
	Use:   "edit [task-id]",
	Short: "Change task fields",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskEdit,
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete [task-id]",
	Short: "Delete a task and its files",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskDelete,
}

var taskHandoverCmd = &cobra.Command{
	Use:   "handover [task-id]",
	Short: "Hand a task over to the next stage",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskHandover,
}

var taskStatusCmd = &cobra.Command{
	Use:   "status [task-id] [pending|in_progress|completed|cancelled]",
	Short: "Change task status",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskStatus,
}

var taskMineCmd = &cobra.Command{
	Use:   "mine",
	Short: "List the tasks you hold",
	RunE:  runTaskMine,
}

var taskStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show task statistics",
	RunE:  runTaskStats,
}

var taskHistoryCmd = &cobra.Command{
	Use:   "history [task-id]",
	Short: "Show the audit trail of a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskHistory,
}

var taskStagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "List the workflow stages",
	RunE:  runTaskStages,
}

var (
	taskTitle    string
	taskDesc     string
	taskTo       string
	taskPriority string
	taskDue      string
	taskCategory string
	taskNote     string

	repeatStage  string
	repeatReason string

	listStatus     string
	listPriority   string
	listAssignedTo string
	listSearch     string
	listPage       int
	listPerPage    int

	mineCreated bool
	statsUser   string
)

func init() {
	taskCmd.AddCommand(taskAddCmd, taskRepeatCmd, taskListCmd, taskShowCmd, taskEditCmd, taskDeleteCmd,
		taskHandoverCmd, taskStatusCmd, taskMineCmd, taskStatsCmd, taskHistoryCmd, taskStagesCmd)

	taskAddCmd.Flags().StringVar(&taskTitle, "title", "", "Task title (required)")
	taskAddCmd.Flags().StringVar(&taskDesc, "desc", "", "Task description (required)")
	taskAddCmd.Flags().StringVar(&taskTo, "to", "", "Assignee username (required)")
	taskAddCmd.Flags().StringVar(&taskPriority, "priority", "medium", "Priority: low, medium or high")
	taskAddCmd.Flags().StringVar(&taskDue, "due", "", "Due date (YYYY-MM-DD)")
	taskAddCmd.Flags().StringVar(&taskCategory, "category", "", "Category")
	taskAddCmd.Flags().StringVar(&taskNote, "note", "", "Note")
	taskAddCmd.MarkFlagRequired("title")
	taskAddCmd.MarkFlagRequired("desc")
	taskAddCmd.MarkFlagRequired("to")

	taskRepeatCmd.Flags().StringVar(&repeatStage, "stage", "", "Stage key to repeat: "+stageKeys())
	taskRepeatCmd.Flags().StringVar(&taskTo, "to", "", "Assignee username (required)")
	taskRepeatCmd.Flags().StringVar(&repeatReason, "reason", "", "Why the stage is repeated")
	taskRepeatCmd.Flags().StringVar(&taskPriority, "priority", "", "Priority: low, medium or high")
	taskRepeatCmd.Flags().StringVar(&taskDue, "due", "", "Due date (YYYY-MM-DD)")
	taskRepeatCmd.MarkFlagRequired("stage")
	taskRepeatCmd.MarkFlagRequired("to")

	taskListCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (pending, in_progress, completed, cancelled)")
	taskListCmd.Flags().StringVar(&listPriority, "priority", "", "Filter by priority")
	taskListCmd.Flags().StringVar(&listAssignedTo, "assigned-to", "", "Filter by holder")
	taskListCmd.Flags().StringVarP(&listSearch, "search", "q", "", "Search title, description and note")
	taskListCmd.Flags().IntVar(&listPage, "page", 1, "Page number")
	taskListCmd.Flags().IntVar(&listPerPage, "per-page", 20, "Tasks per page")

	taskEditCmd.Flags().StringVar(&taskTitle, "title", "", "New title")
	taskEditCmd.Flags().StringVar(&taskDesc, "desc", "", "New description")
	taskEditCmd.Flags().StringVar(&taskTo, "to", "", "New holder")
	taskEditCmd.Flags().StringVar(&taskPriority, "priority", "", "New priority")
	taskEditCmd.Flags().StringVar(&taskDue, "due", "", "New due date, empty to clear")
	taskEditCmd.Flags().StringVar(&taskCategory, "category", "", "New category, empty to clear")
	taskEditCmd.Flags().StringVar(&taskNote, "note", "", "New note, empty to clear")

	taskHandoverCmd.Flags().StringVar(&taskTo, "to", "", "Recipient username (required)")
	taskHandoverCmd.Flags().StringVar(&taskNote, "note", "", "Handover note")
	taskHandoverCmd.MarkFlagRequired("to")

	taskMineCmd.Flags().BoolVar(&mineCreated, "created", false, "List tasks you created instead")
	taskStatsCmd.Flags().StringVar(&statsUser, "for", "", "Only count tasks this user holds")
}

func stageKeys() string {
	keys := make([]string, len(workflow.Stages))
	for i, st := range workflow.Stages {
		keys[i] = st.Key
	}
	return strings.Join(keys, ", ")
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid task id %q", arg)
	}
	return id, nil
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	body := controlplane.NewTask{
		Title:       taskTitle,
		Description: taskDesc,
		AssignedTo:  taskTo,
		Priority:    models.Priority(taskPriority),
		DueDate:     taskDue,
		Category:    taskCategory,
		Note:        taskNote,
	}

	var task workflow.AnnotatedTask
	if err := apiSend(http.MethodPost, "/tasks", body, &task); err != nil {
		return err
	}
	success("Created task #%d for %s (stage: %s)", task.ID, task.AssignedTo, task.StageInfo.CurrentStage)
	return nil
}

func runTaskRepeat(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	body := controlplane.RepeatTask{
		SourceID:   id,
		StageKey:   repeatStage,
		AssignedTo: taskTo,
		Reason:     repeatReason,
		Priority:   models.Priority(taskPriority),
		DueDate:    taskDue,
	}

	var task workflow.AnnotatedTask
	if err := apiSend(http.MethodPost, "/tasks/repeat", body, &task); err != nil {
		return err
	}
	success("Created task #%d: %s", task.ID, task.Title)
	return nil
}

func printTasks(tasks []workflow.AnnotatedTask) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSTAGE\tHOLDER\tPRIORITY\tSTATUS\tDUE")
	for _, t := range tasks {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, truncate(t.Title, 40), t.StageInfo.CurrentStage, t.AssignedTo,
			priorityText(t.Priority), statusText(t.Status), orDash(t.DueDate))
	}
	w.Flush()
}

func runTaskList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if listSearch != "" {
		q.Set("q", listSearch)
	} else {
		q.Set("page", strconv.Itoa(listPage))
		q.Set("per_page", strconv.Itoa(listPerPage))
		if listStatus != "" {
			q.Set("status", listStatus)
		}
		if listPriority != "" {
			q.Set("priority", listPriority)
		}
	}
	if listAssignedTo != "" {
		q.Set("assigned_to", listAssignedTo)
	}

	var page controlplane.ListResponse
	if err := apiGet("/tasks?"+q.Encode(), &page); err != nil {
		return err
	}

	if len(page.Tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}
	printTasks(page.Tasks)
	if page.TotalPages > 1 {
		faint.Printf("\nPage %d of %d (%d tasks)\n", page.Page, page.TotalPages, page.TotalCount)
	}
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	var t controlplane.TaskDetail
	if err := apiGet(fmt.Sprintf("/tasks/%d", id), &t); err != nil {
		return err
	}

	cyan.Printf("Task #%d\n", t.ID)
	fmt.Printf("Title:       %s\n", t.Title)
	fmt.Printf("Description: %s\n", t.Description)
	fmt.Printf("Holder:      %s\n", t.AssignedTo)
	fmt.Printf("Created by:  %s\n", t.AssignedBy)
	fmt.Printf("Priority:    %s\n", priorityText(t.Priority))
	fmt.Printf("Status:      %s\n", statusText(t.Status))
	fmt.Printf("Created:     %s\n", t.CreatedAt)
	fmt.Printf("Updated:     %s\n", t.UpdatedAt)
	if t.DueDate != "" {
		fmt.Printf("Due:         %s\n", t.DueDate)
	}
	if t.Category != "" {
		fmt.Printf("Category:    %s\n", t.Category)
	}
	if t.Note != "" {
		fmt.Printf("Note:        %s\n", t.Note)
	}
	if t.CompletionNote != "" {
		fmt.Printf("Completed:   %s (%s)\n", t.CompletedAt, t.CompletionNote)
	}

	info := t.StageInfo
	fmt.Printf("\nProgress:    %s  stage %d of %d\n", progressBar(info.Progress),
		min(info.CurrentStageIndex+1, info.TotalStages), info.TotalStages)
	for i, e := range t.Timeline {
		switch {
		case e.Current && t.IsWorkflowCompleted:
			green.Printf("  ✓ %s\n", e.StageName)
		case e.Current:
			yellow.Printf("  ▶ %s  (%s, %s)\n", e.StageName, e.User, e.Status)
		default:
			green.Printf("  %d. %s", i+1, e.StageName)
			fmt.Printf("  %s → %s, %s\n", e.User, e.ToUser, e.Date)
			if e.Note != "" {
				faint.Printf("       %s\n", e.Note)
			}
		}
	}

	if len(t.Files) > 0 {
		fmt.Printf("\nFiles (%d):\n", len(t.Files))
		printFiles(t.Files)
	}
	return nil
}

func runTaskEdit(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	var patch controlplane.TaskPatch
	set := func(flag string, v string) *string {
		if cmd.Flags().Changed(flag) {
			return &v
		}
		return nil
	}
	patch.Title = set("title", taskTitle)
	patch.Description = set("desc", taskDesc)
	patch.AssignedTo = set("to", taskTo)
	patch.DueDate = set("due", taskDue)
	patch.Category = set("category", taskCategory)
	patch.Note = set("note", taskNote)
	if cmd.Flags().Changed("priority") {
		p := models.Priority(taskPriority)
		patch.Priority = &p
	}
	if patch.Empty() {
		return fmt.Errorf("nothing to change, pass at least one flag")
	}

	if err := apiSend(http.MethodPatch, fmt.Sprintf("/tasks/%d", id), patch, nil); err != nil {
		return err
	}
	success("Updated task #%d", id)
	return nil
}

func runTaskDelete(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	if err := apiSend(http.MethodDelete, fmt.Sprintf("/tasks/%d", id), nil, nil); err != nil {
		return err
	}
	success("Deleted task #%d", id)
	return nil
}

func runTaskHandover(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	body := map[string]string{"to": taskTo, "note": taskNote}
	var task workflow.AnnotatedTask
	if err := apiSend(http.MethodPost, fmt.Sprintf("/tasks/%d/handover", id), body, &task); err != nil {
		return err
	}

	if task.IsWorkflowCompleted {
		success("Task #%d handed to %s, workflow complete", task.ID, task.AssignedTo)
	} else {
		success("Task #%d handed to %s, now at: %s", task.ID, task.AssignedTo, task.StageInfo.CurrentStage)
	}
	return nil
}

func runTaskStatus(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	status := models.TaskStatus(args[1])
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", args[1])
	}

	body := map[string]models.TaskStatus{"status": status}
	if err := apiSend(http.MethodPost, fmt.Sprintf("/tasks/%d/status", id), body, nil); err != nil {
		return err
	}
	success("Task #%d is now %s", id, status)
	return nil
}

func runTaskMine(cmd *cobra.Command, args []string) error {
	path := "/tasks/mine"
	if mineCreated {
		path += "?role=creator"
	}
	var tasks []workflow.AnnotatedTask
	if err := apiGet(path, &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}
	printTasks(tasks)
	return nil
}

func runTaskStats(cmd *cobra.Command, args []string) error {
	path := "/tasks/stats"
	if statsUser != "" {
		path += "?user=" + url.QueryEscape(statsUser)
	}
	var st query.Stats
	if err := apiGet(path, &st); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Total\t%d\n", st.Total)
	fmt.Fprintf(w, "Pending\t%d\n", st.Pending)
	fmt.Fprintf(w, "In progress\t%d\n", st.InProgress)
	fmt.Fprintf(w, "Completed\t%d\n", st.Completed)
	fmt.Fprintf(w, "Cancelled\t%d\n", st.Cancelled)
	fmt.Fprintf(w, "High priority\t%d\n", st.HighPriority)
	fmt.Fprintf(w, "Overdue\t%s\n", overdueText(st.Overdue))
	return w.Flush()
}

func overdueText(n int) string {
	if n > 0 {
		return red.Sprint(n)
	}
	return "0"
}

func runTaskHistory(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	var entries []models.PDREntry
	if err := apiGet(fmt.Sprintf("/tasks/%d/history", id), &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No history recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tACTOR\tOUTCOME\tDETAILS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp, e.Action, e.Actor, e.Outcome, truncate(e.Details, 50))
	}
	return w.Flush()
}

func runTaskStages(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tKEY\tSTAGE")
	for i, st := range workflow.Stages {
		fmt.Fprintf(w, "%d\t%s\t%s\n", i+1, st.Key, st.Name)
	}
	fmt.Fprintf(w, "-\t-\t%s\n", workflow.FinalStageName)
	return w.Flush()
}
