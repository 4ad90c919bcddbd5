package workflow

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema/workflow.schema.json
var schemaFS embed.FS

var (
	compileSchemaOnce sync.Once
	compiledSchema    *jsonschema.Schema
	compileSchemaErr  error
)

func definitionSchema() (*jsonschema.Schema, error) {
	compileSchemaOnce.Do(func() {
		raw, err := schemaFS.ReadFile("schema/workflow.schema.json")
		if err != nil {
			compileSchemaErr = fmt.Errorf("read workflow schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("inmemory://workflow", bytes.NewReader(raw)); err != nil {
			compileSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, compileSchemaErr = compiler.Compile("inmemory://workflow")
	})
	return compiledSchema, compileSchemaErr
}

// ValidateDefinitionJSON checks a raw definition document against the
// workflow schema before it is decoded.
func ValidateDefinitionJSON(raw []byte) error {
	schema, err := definitionSchema()
	if err != nil {
		return err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("decode definition: %w", err)
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// LoadDefinitionFile reads a workflow definition from a YAML file and runs
// the structural checks. Used for shipped definitions seeded at boot.
func LoadDefinitionFile(path string) (*Workflow, error) {
	// #nosec G304 -- definition path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", path, err)
	}
	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parse definition %s: %w", path, err)
	}
	if err := ValidateWorkflow(&wf); err != nil {
		return nil, fmt.Errorf("definition %s: %w", path, err)
	}
	return &wf, nil
}

// ValidateWorkflow checks structural invariants the schema cannot express:
// stage references, duplicate ids, and retry sanity.
func ValidateWorkflow(wf *Workflow) error {
	if wf == nil {
		return fmt.Errorf("workflow required")
	}
	if wf.ID == "" {
		return fmt.Errorf("workflow id required")
	}
	if len(wf.Stages) == 0 {
		return fmt.Errorf("workflow %s: at least one stage required", wf.ID)
	}
	seen := make(map[string]bool, len(wf.Stages))
	for _, st := range wf.Stages {
		if st == nil || st.ID == "" {
			return fmt.Errorf("workflow %s: stage id required", wf.ID)
		}
		if seen[st.ID] {
			return fmt.Errorf("workflow %s: duplicate stage %s", wf.ID, st.ID)
		}
		seen[st.ID] = true
		if st.AgentType == "" {
			return fmt.Errorf("workflow %s: stage %s: agent type required", wf.ID, st.ID)
		}
		if err := validateRetry(st.Retry); err != nil {
			return fmt.Errorf("workflow %s: stage %s: %w", wf.ID, st.ID, err)
		}
	}
	if wf.InitialStage == "" {
		return fmt.Errorf("workflow %s: initial stage required", wf.ID)
	}
	if !seen[wf.InitialStage] {
		return fmt.Errorf("workflow %s: unknown initial stage %s", wf.ID, wf.InitialStage)
	}
	if len(wf.FinalStages) == 0 {
		return fmt.Errorf("workflow %s: at least one final stage required", wf.ID)
	}
	for _, f := range wf.FinalStages {
		if !seen[f] {
			return fmt.Errorf("workflow %s: unknown final stage %s", wf.ID, f)
		}
	}
	for i, tr := range wf.Transitions {
		if !seen[tr.From] {
			return fmt.Errorf("workflow %s: transition %d: unknown stage %s", wf.ID, i, tr.From)
		}
		if !seen[tr.To] {
			return fmt.Errorf("workflow %s: transition %d: unknown stage %s", wf.ID, i, tr.To)
		}
	}
	return nil
}

func validateRetry(rc *RetryConfig) error {
	if rc == nil {
		return nil
	}
	// Zero means "use the default"; normalizeRetry fills it in.
	if rc.MaxAttempts < 0 {
		return fmt.Errorf("retry max_attempts must not be negative")
	}
	if rc.Multiplier != 0 && rc.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be at least 1")
	}
	if rc.InitialDelayMs < 0 || rc.MaxDelayMs < 0 {
		return fmt.Errorf("retry delays must be non-negative")
	}
	if rc.MaxDelayMs > 0 && rc.MaxDelayMs < rc.InitialDelayMs {
		return fmt.Errorf("retry max_delay_ms must not be below initial_delay_ms")
	}
	return nil
}
