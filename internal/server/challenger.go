package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"hookline/internal/engine"
)

func registerChallenger(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-challenge",
		Method:      http.MethodPost,
		Path:        "/challenger/challenges",
		Summary:     "Dispute a passed submission with a signed reproduction spec",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body SubmitChallengeRequest `json:"body"`
	}) (*struct {
		Body WorkOrderResponse `json:"body"`
	}, error) {
		sig, err := decodeSignature(input.Body.Signature)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "", err.Error(), nil)
		}
		wo, err := cfg.Engine.SubmitChallenge(ctx, engine.SubmitChallengeInput{
			WorkOrderID:       input.Body.WorkOrderID,
			SubmissionID:      input.Body.SubmissionID,
			ChallengerAddress: input.Body.ChallengerAddress,
			ReproductionSpec:  input.Body.ReproductionSpec,
			Signature:         sig,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkOrderResponse `json:"body"`
		}{Body: workOrderResponse(wo)}, nil
	})
}
