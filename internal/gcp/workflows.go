package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"

	"github.com/Lllllllleong/ragdocumentflow/internal/models"
	"github.com/Lllllllleong/ragdocumentflow/internal/queue"
)

// WorkflowDispatcher hands processing jobs to a Cloud Workflows execution
// that calls the document processor.
type WorkflowDispatcher struct {
	client *executions.Client
	parent string
	logger *slog.Logger
}

var _ queue.Dispatcher = (*WorkflowDispatcher)(nil)

func NewWorkflowDispatcher(client *executions.Client, projectID, location, workflowID string, logger *slog.Logger) *WorkflowDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkflowDispatcher{
		client: client,
		parent: WorkflowParent(projectID, location, workflowID),
		logger: logger,
	}
}

// WorkflowParent is the resource name executions are created under.
func WorkflowParent(projectID, location, workflowID string) string {
	return fmt.Sprintf("projects/%s/locations/%s/workflows/%s", projectID, location, workflowID)
}

func (d *WorkflowDispatcher) Submit(ctx context.Context, job models.ProcessJob) error {
	req, err := executionRequest(d.parent, job)
	if err != nil {
		return err
	}
	exec, err := d.client.CreateExecution(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to trigger workflow execution: %w", err)
	}
	d.logger.Info("Triggered workflow.", "documentId", job.DocumentID, "attempt", job.Attempt, "execution", exec.GetName())
	return nil
}

func executionRequest(parent string, job models.ProcessJob) (*executionspb.CreateExecutionRequest, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	return &executionspb.CreateExecutionRequest{
		Parent: parent,
		Execution: &executionspb.Execution{
			Argument: string(payload),
		},
	}, nil
}
