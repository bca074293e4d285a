package catalog

import (
	"fmt"

	"github.com/geoforge/rasterflow/internal/domain"
	"github.com/geoforge/rasterflow/internal/registry"
)

// HelloWorld is the smallest possible pipeline: one stage, one task that
// reverses the submitted message. Kept as a smoke-test job type.
func HelloWorld() *registry.Blueprint {
	return &registry.Blueprint{
		JobType:     "hello_world",
		Description: "single-stage smoke test: reverse a message",
		ParametersSchema: map[string]any{
			"message": "string, required",
		},
		Stages: []registry.StageDefinition{
			{Number: 1, Name: "greet", TaskType: "reverse_message", Parallelism: registry.Single},
		},
		ValidateParameters: func(params map[string]any) error {
			if _, ok := params["message"].(string); !ok {
				return fmt.Errorf("message (string) is required")
			}
			return nil
		},
		CreateTasksForStage: func(stage int, jobID string, params map[string]any, _ []map[string]any) ([]registry.TaskSpec, error) {
			return []registry.TaskSpec{{
				TaskID:     domain.NewTaskID(jobID, stage, "0"),
				TaskType:   "reverse_message",
				Parameters: params,
			}}, nil
		},
	}
}

type reverseHandler struct{}

func (reverseHandler) Type() string { return "reverse_message" }

func (reverseHandler) Handle(params map[string]any, _ *registry.TaskContext) (*registry.TaskResult, error) {
	msg, ok := params["message"].(string)
	if !ok {
		return &registry.TaskResult{Success: false, ErrorDetails: "message parameter missing"}, nil
	}
	runes := []rune(msg)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return &registry.TaskResult{
		Success:    true,
		ResultData: map[string]any{"message": msg, "reversed": string(runes)},
	}, nil
}
