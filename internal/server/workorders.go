package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"hookline/internal/domain"
	"hookline/internal/engine"
)

func registerWorkOrders(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-work-order",
		Method:        http.MethodPost,
		Path:          "/work-orders",
		Summary:       "Post a new work order for bidding",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkOrderRequest `json:"body"`
	}) (*struct {
		Body WorkOrderResponse `json:"body"`
	}, error) {
		wo, err := cfg.Engine.CreateWorkOrder(ctx, engine.CreateInput{
			Title:            input.Body.Title,
			TemplateType:     input.Body.TemplateType,
			Params:           input.Body.Params,
			Bounty:           domain.Money{Currency: input.Body.Bounty.Currency, Amount: input.Body.Bounty.Amount},
			RequesterAddress: input.Body.RequesterAddress,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkOrderResponse `json:"body"`
		}{Body: workOrderResponse(wo)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-orders",
		Method:      http.MethodGet,
		Path:        "/work-orders",
		Summary:     "List work orders, optionally filtered by status",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*struct {
		Body []WorkOrderResponse `json:"body"`
	}, error) {
		items, err := cfg.Store.ListWorkOrders(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []WorkOrderResponse `json:"body"`
		}{Body: mapWorkOrders(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-order",
		Method:      http.MethodGet,
		Path:        "/work-orders/{id}",
		Summary:     "Get a work order by id",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body WorkOrderResponse `json:"body"`
	}, error) {
		wo, err := cfg.Store.GetWorkOrder(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkOrderResponse `json:"body"`
		}{Body: workOrderResponse(wo)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-order-quotes",
		Method:      http.MethodGet,
		Path:        "/work-orders/{id}/quotes",
		Summary:     "List the bids placed on a work order",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []QuoteResponse `json:"body"`
	}, error) {
		items, err := cfg.Store.ListQuotes(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []QuoteResponse `json:"body"`
		}{Body: mapQuotes(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-order-submissions",
		Method:      http.MethodGet,
		Path:        "/work-orders/{id}/submissions",
		Summary:     "List delivery submissions for a work order",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []SubmissionResponse `json:"body"`
	}, error) {
		items, err := cfg.Store.ListSubmissions(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SubmissionResponse `json:"body"`
		}{Body: mapSubmissions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-order-verification",
		Method:      http.MethodGet,
		Path:        "/work-orders/{id}/verification",
		Summary:     "Get the latest verification report for a work order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body VerificationReportResponse `json:"body"`
	}, error) {
		wo, err := cfg.Store.GetWorkOrder(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if wo.VerificationReportID == nil {
			return nil, newAPIError(http.StatusNotFound, "", "no verification report yet", nil)
		}
		report, err := cfg.Store.GetVerificationReport(ctx, *wo.VerificationReportID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VerificationReportResponse `json:"body"`
		}{Body: verificationReportResponse(report)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-order-payments",
		Method:      http.MethodGet,
		Path:        "/work-orders/{id}/payments",
		Summary:     "List payment events recorded for a work order",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []PaymentEventResponse `json:"body"`
	}, error) {
		items, err := cfg.Store.ListPaymentEvents(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PaymentEventResponse `json:"body"`
		}{Body: mapPaymentEvents(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "select-work-order-quote",
		Method:      http.MethodPost,
		Path:        "/work-orders/{id}/select",
		Summary:     "Select the winning quote (or force auto-selection before the bidding window closes)",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Force bool   `query:"force"`
		Body  struct {
			QuoteID string `json:"quoteId,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body WorkOrderResponse `json:"body"`
	}, error) {
		if input.Force {
			if _, authErr := requireOperator(ctx); authErr != nil {
				return nil, authErr
			}
			if !cfg.Config.DemoActions {
				return nil, newAPIError(http.StatusForbidden, "", "demo actions are disabled", nil)
			}
		}
		wo, err := cfg.Engine.SelectQuote(ctx, input.ID, input.Body.QuoteID, input.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkOrderResponse `json:"body"`
		}{Body: workOrderResponse(wo)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-work-order-delivery",
		Method:      http.MethodPost,
		Path:        "/work-orders/{id}/submit",
		Summary:     "Submit a signed delivery artifact for verification",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body SubmitSubmissionRequest `json:"body"`
	}) (*struct {
		Body WorkOrderResponse `json:"body"`
	}, error) {
		sig, err := decodeSignature(input.Body.Signature)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "", err.Error(), nil)
		}
		wo, err := cfg.Engine.SubmitSubmission(ctx, engine.SubmitSubmissionInput{
			WorkOrderID:   input.ID,
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

	huma.Register(api, huma.Operation{
		OperationID: "end-work-order-session",
		Method:      http.MethodPost,
		Path:        "/work-orders/{id}/end-session",
		Summary:     "Settle the remaining holdback and close the payment-channel session",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Force bool   `query:"force"`
	}) (*struct {
		Body WorkOrderResponse `json:"body"`
	}, error) {
		if input.Force {
			if _, authErr := requireOperator(ctx); authErr != nil {
				return nil, authErr
			}
			if !cfg.Config.DemoActions {
				return nil, newAPIError(http.StatusForbidden, "", "demo actions are disabled", nil)
			}
		}
		wo, err := cfg.Engine.EndSession(ctx, input.ID, input.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkOrderResponse `json:"body"`
		}{Body: workOrderResponse(wo)}, nil
	})
}

// solverReputation assembles the wire SolverStatsResponse, including the
// derived score the engine uses to break bidding ties.
func solverReputation(st domain.SolverStats, score float64) SolverStatsResponse {
	return SolverStatsResponse{
		Address:             st.Address,
		QuotesSubmitted:     st.QuotesSubmitted,
		QuotesWon:           st.QuotesWon,
		DeliveriesSucceeded: st.DeliveriesSucceeded,
		DeliveriesFailed:    st.DeliveriesFailed,
		OnTimeDeliveries:    st.OnTimeDeliveries,
		ChallengesAgainst:   st.ChallengesAgainst,
		ChallengesWon:       st.ChallengesWon,
		ReputationScore:     score,
	}
}

