package main

import (
	"context"
	"errors"

	"Dash/src/backtest"
	"Dash/src/client"
)

// BackendAdapter bridges the REST client to the controller's Backend
// interface and translates client.APIError into backtest.RemoteError,
// so the controller can tell authoritative rejections from network noise.
type BackendAdapter struct {
	api *client.Client
}

func NewBackendAdapter(api *client.Client) *BackendAdapter {
	return &BackendAdapter{api: api}
}

func (a *BackendAdapter) RunBacktest(ctx context.Context, p backtest.RunParams) (backtest.RunAck, error) {
	resp, err := a.api.RunBacktest(ctx, client.RunRequest{
		Strategy:       p.Strategy,
		Symbol:         p.Symbol,
		Timeframe:      p.Timeframe,
		InitialBalance: p.InitialBalance,
		Start:          p.Start,
		End:            p.End,
		Params:         p.Extra,
	})
	if err != nil {
		return backtest.RunAck{}, mapError(err)
	}
	return backtest.RunAck{JobID: resp.JobID, Status: resp.Status}, nil
}

func (a *BackendAdapter) JobStatus(ctx context.Context, jobID string) (backtest.StatusReply, error) {
	resp, err := a.api.JobStatus(ctx, jobID)
	if err != nil {
		return backtest.StatusReply{}, mapError(err)
	}
	return backtest.StatusReply{
		Status:   resp.Status,
		Progress: resp.Progress,
		Error:    resp.Error,
	}, nil
}

func (a *BackendAdapter) JobResult(ctx context.Context, jobID string) (map[string]any, error) {
	payload, err := a.api.JobResult(ctx, jobID)
	if err != nil {
		return nil, mapError(err)
	}
	return payload, nil
}

func mapError(err error) error {
	var aerr *client.APIError
	if errors.As(err, &aerr) {
		return &backtest.RemoteError{
			StatusCode: aerr.StatusCode,
			Message:    aerr.Message,
			RequestID:  aerr.RequestID,
		}
	}
	return err
}
