package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/labflow/internal/controlplane"
	"github.com/fentz26/labflow/internal/models"
)

var fileCmd = &cobra.Command{
	Use:   "file",
	Short: "Manage task attachments",
}

var fileUploadCmd = &cobra.Command{
	Use:   "upload [task-id] [path]",
	Short: "Attach a file to the current stage of a task",
	Args:  cobra.ExactArgs(2),
	RunE:  runFileUpload,
}

var fileListCmd = &cobra.Command{
	Use:   "list [task-id]",
	Short: "List the files of a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runFileList,
}

var fileGetCmd = &cobra.Command{
	Use:   "get [task-id] [file-id]",
	Short: "Download a file",
	Args:  cobra.ExactArgs(2),
	RunE:  runFileGet,
}

var fileRemoveCmd = &cobra.Command{
	Use:   "rm [task-id] [file-id]",
	Short: "Delete a file",
	Args:  cobra.ExactArgs(2),
	RunE:  runFileRemove,
}

var (
	fileStage  string
	fileDesc   string
	fileOutput string
)

func init() {
	fileCmd.AddCommand(fileUploadCmd, fileListCmd, fileGetCmd, fileRemoveCmd)

	fileUploadCmd.Flags().StringVar(&fileStage, "stage", "", "Stage the file belongs to (default: the task's current stage)")
	fileUploadCmd.Flags().StringVar(&fileDesc, "desc", "", "File description")

	fileListCmd.Flags().StringVar(&fileStage, "stage", "", "Only files of this stage")

	fileGetCmd.Flags().StringVarP(&fileOutput, "output", "o", "", "Output path (default: original file name)")
}

func printFiles(files []models.Attachment) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSIZE\tCATEGORY\tSTAGE\tBY\tUPLOADED")
	for _, f := range files {
		fmt.Fprintf(w, "%s\t%s\t%.2f MB\t%s\t%s\t%s\t%s\n",
			f.ID, truncate(f.OriginalFilename, 32), f.FileSizeMB, f.FileCategory, f.StageName, f.UploadedBy, f.UploadedAt)
	}
	w.Flush()
}

func runFileUpload(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	path := args[1]
	if !controlplane.AllowedFile(path) {
		return fmt.Errorf("file type of %s is not allowed", filepath.Base(path))
	}

	stage := fileStage
	if stage == "" {
		var t controlplane.TaskDetail
		if err := apiGet(fmt.Sprintf("/tasks/%d", id), &t); err != nil {
			return err
		}
		stage = t.StageInfo.CurrentStage
	}

	var att models.Attachment
	fields := map[string]string{"stage_name": stage, "description": fileDesc}
	if err := apiUpload(fmt.Sprintf("/tasks/%d/files", id), path, fields, &att); err != nil {
		return err
	}
	success("Uploaded %s (%.2f MB) to task #%d, stage %s", att.OriginalFilename, att.FileSizeMB, id, att.StageName)
	fmt.Printf("  id:     %s\n  sha256: %s\n", att.ID, att.SHA256)
	return nil
}

func runFileList(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/tasks/%d/files", id)
	if fileStage != "" {
		path += "?stage=" + url.QueryEscape(fileStage)
	}

	var files []models.Attachment
	if err := apiGet(path, &files); err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Println("No files found")
		return nil
	}
	printFiles(files)
	return nil
}

func runFileGet(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	fileID := args[1]

	out := fileOutput
	if out == "" {
		var files []models.Attachment
		if err := apiGet(fmt.Sprintf("/tasks/%d/files", id), &files); err != nil {
			return err
		}
		for _, f := range files {
			if f.ID == fileID {
				out = filepath.Base(f.OriginalFilename)
			}
		}
		if out == "" {
			return fmt.Errorf("file %s not found on task #%d", fileID, id)
		}
	}
	if _, err := os.Stat(out); err == nil {
		return fmt.Errorf("%s already exists, pass -o to choose another path", out)
	}

	f, err := os.Create(out)
	if err != nil {
		return err
	}
	n, err := apiDownload(fmt.Sprintf("/tasks/%d/files/%s", id, url.PathEscape(fileID)), f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(out)
		return err
	}
	success("Saved %s (%d bytes)", out, n)
	return nil
}

func runFileRemove(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/tasks/%d/files/%s", id, url.PathEscape(args[1]))
	if err := apiSend(http.MethodDelete, path, nil, nil); err != nil {
		return err
	}
	success("Deleted file %s from task #%d", args[1], id)
	return nil
}
