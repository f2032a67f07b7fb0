package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"hookline/internal/domain"
	"hookline/internal/engine"
	"hookline/internal/reputation"
	"hookline/internal/signature"
)

func registerSolvers(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-solvers",
		Method:      http.MethodGet,
		Path:        "/solvers",
		Summary:     "List every recorded solver's track record and reputation score",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []SolverStatsResponse `json:"body"`
	}, error) {
		items, err := cfg.Store.ListSolverStats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]SolverStatsResponse, 0, len(items))
		for _, st := range items {
			out = append(out, solverReputation(st, reputation.Score(st)))
		}
		return &struct {
			Body []SolverStatsResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-solver",
		Method:      http.MethodGet,
		Path:        "/solvers/{address}",
		Summary:     "Get a solver's track record and reputation score",
	}, func(ctx context.Context, input *struct {
		Address string `path:"address"`
	}) (*struct {
		Body SolverStatsResponse `json:"body"`
	}, error) {
		st, err := cfg.Store.GetSolverStats(ctx, signature.NormalizeAddress(input.Address))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SolverStatsResponse `json:"body"`
		}{Body: solverReputation(st, reputation.Score(st))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-solver-work-orders",
		Method:      http.MethodGet,
		Path:        "/solver/work-orders",
		Summary:     "List work orders a solver has bid on or been selected for",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Address string `query:"address" required:"true"`
		Status  string `query:"status"`
	}) (*struct {
		Body []WorkOrderResponse `json:"body"`
	}, error) {
		if input.Address == "" {
			return nil, newAPIError(http.StatusBadRequest, "", "address is required", nil)
		}
		all, err := cfg.Store.ListWorkOrders(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		var out []domain.WorkOrder
		for _, wo := range all {
			if woHasParticipant(wo, input.Address) {
				out = append(out, wo)
				continue
			}
			quotes, err := cfg.Store.ListQuotes(ctx, wo.ID)
			if err != nil {
				return nil, handleError(err)
			}
			for _, q := range quotes {
				if signature.SameAddress(q.SolverAddress, input.Address) {
					out = append(out, wo)
					break
				}
			}
		}
		return &struct {
			Body []WorkOrderResponse `json:"body"`
		}{Body: mapWorkOrders(out)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-solver-quote",
		Method:        http.MethodPost,
		Path:          "/solver/quotes",
		Summary:       "Submit a signed bid on an open work order",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body SubmitQuoteRequest `json:"body"`
	}) (*struct {
		Body QuoteResponse `json:"body"`
	}, error) {
		sig, err := decodeSignature(input.Body.Signature)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "", err.Error(), nil)
		}
		q, err := cfg.Engine.SubmitQuote(ctx, engine.SubmitQuoteInput{
			WorkOrderID:   input.Body.WorkOrderID,
			SolverAddress: input.Body.SolverAddress,
			Price:         input.Body.Price,
			EtaMinutes:    input.Body.EtaMinutes,
			ValidUntil:    input.Body.ValidUntil,
			Signature:     sig,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QuoteResponse `json:"body"`
		}{Body: quoteResponse(q)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-solver-delivery",
		Method:      http.MethodPost,
		Path:        "/solver/submissions",
		Summary:     "Submit a signed delivery artifact (equivalent to POST /work-orders/{id}/submit)",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body struct {
			WorkOrderID   string       `json:"workOrderId"`
			SolverAddress string       `json:"solverAddress"`
			Artifact      ArtifactDTO  `json:"artifact"`
			Signature     SignatureDTO `json:"signature"`
		} `json:"body"`
	}) (*struct {
		Body WorkOrderResponse `json:"body"`
	}, error) {
		sig, err := decodeSignature(input.Body.Signature)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "", err.Error(), nil)
		}
		wo, err := cfg.Engine.SubmitSubmission(ctx, engine.SubmitSubmissionInput{
			WorkOrderID:   input.Body.WorkOrderID,
			SolverAddress: input.Body.SolverAddress,
			Artifact: domain.Artifact{
				Kind:         input.Body.Artifact.Kind,
				RepoURL:      input.Body.Artifact.RepoURL,
				CommitSha:    input.Body.Artifact.CommitSha,
				ArtifactHash: input.Body.Artifact.ArtifactHash,
			},
			Signature: sig,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkOrderResponse `json:"body"`
		}{Body: workOrderResponse(wo)}, nil
	})
}

func woHasParticipant(wo domain.WorkOrder, address string) bool {
	if wo.Selection.SelectedSolverID != nil && signature.SameAddress(*wo.Selection.SelectedSolverID, address) {
		return true
	}
	for _, p := range wo.Session.Participants {
		if signature.SameAddress(p, address) {
			return true
		}
	}
	return false
}
