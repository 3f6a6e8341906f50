package service

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/zenGate-Global/palmyra-roster/domains/imports/be/csvimport"
	"github.com/zenGate-Global/palmyra-roster/domains/imports/be/reconcile"
)

const planDocumentVersion = 1

//go:embed plan.schema.json
var planSchemaJSON []byte

const planSchemaURL = "memory://schemas/import-plan.json"

var (
	planSchemaOnce sync.Once
	planSchema     *jsonschema.Schema
	planSchemaErr  error
)

// stagedPlan is the commit plan written next to the uploaded file. It holds row indices,
// actions and the column mapping only; personal data stays in the source file.
type stagedPlan struct {
	Version       int                      `json:"version"`
	Kind          csvimport.Kind           `json:"kind"`
	Mapping       csvimport.Mapping        `json:"mapping"`
	Rows          []reconcile.PlannedRow   `json:"rows"`
	TeamsToCreate []reconcile.TeamToCreate `json:"teamsToCreate"`
}

func newStagedPlan(mapping csvimport.Mapping, plan reconcile.Plan) stagedPlan {
	return stagedPlan{
		Version:       planDocumentVersion,
		Kind:          plan.Kind,
		Mapping:       mapping,
		Rows:          plan.Rows,
		TeamsToCreate: plan.TeamsToCreate,
	}
}

func compiledPlanSchema() (*jsonschema.Schema, error) {
	planSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(planSchemaURL, bytes.NewReader(planSchemaJSON)); err != nil {
			planSchemaErr = fmt.Errorf("register plan schema: %w", err)
			return
		}
		planSchema, planSchemaErr = compiler.Compile(planSchemaURL)
		if planSchemaErr != nil {
			planSchemaErr = fmt.Errorf("compile plan schema: %w", planSchemaErr)
		}
	})
	return planSchema, planSchemaErr
}

func encodePlan(plan stagedPlan) ([]byte, error) {
	return json.Marshal(plan)
}

// decodePlan validates a staged plan against its schema before decoding it.
func decodePlan(data []byte) (stagedPlan, error) {
	schema, err := compiledPlanSchema()
	if err != nil {
		return stagedPlan{}, err
	}

	var document any
	if err := json.Unmarshal(data, &document); err != nil {
		return stagedPlan{}, fmt.Errorf("decode plan: %w", err)
	}
	if err := schema.Validate(document); err != nil {
		return stagedPlan{}, fmt.Errorf("plan schema validation: %w", err)
	}

	var plan stagedPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return stagedPlan{}, fmt.Errorf("decode plan: %w", err)
	}
	return plan, nil
}
