package git

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

type ChangeStatus string

const (
	StatusAdded    ChangeStatus = "added"
	StatusModified ChangeStatus = "modified"
	StatusRenamed  ChangeStatus = "renamed"
	StatusCopied   ChangeStatus = "copied"
)

type ChangedFile struct {
	Path   string
	Status ChangeStatus
}

// ChangedFiles lists files that still exist and differ from baseRef, relative to dir.
// Deleted files are left out since there is nothing left to analyze.
func ChangedFiles(ctx context.Context, dir, baseRef string) ([]ChangedFile, error) {
	cmd := exec.CommandContext(ctx, "git", "diff", "--name-status", "--relative", "--diff-filter=ACMR", baseRef)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git diff against %s failed: %w: %s", baseRef, err, strings.TrimSpace(stderr.String()))
	}
	return parseNameStatus(output), nil
}

func parseNameStatus(output []byte) []ChangedFile {
	var changes []ChangedFile
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) < 2 || fields[0] == "" {
			continue
		}
		// renames and copies carry a similarity score and both paths; keep the new one
		path := fields[len(fields)-1]
		var status ChangeStatus
		switch fields[0][0] {
		case 'A':
			status = StatusAdded
		case 'M':
			status = StatusModified
		case 'R':
			status = StatusRenamed
		case 'C':
			status = StatusCopied
		default:
			continue
		}
		changes = append(changes, ChangedFile{Path: path, Status: status})
	}
	return changes
}
