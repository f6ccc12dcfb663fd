// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/derive"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/pipeline"
	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/runner"
)

var _ runner.Recorder = (*Store)(nil)

func openMem(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func makeRun(started time.Time, status pipeline.RunStatus) *pipeline.Run {
	return &pipeline.Run{
		ID:       uuid.New(),
		Status:   status,
		Started:  started,
		Finished: started.Add(3 * time.Second),
		Summary:  pipeline.ConfigSummary{Tier: "Standalone", Port: 8889},
		Steps: []pipeline.StepResult{
			{Name: pipeline.StepPrerequisiteCheck, Status: pipeline.StepSucceeded, Started: started, Finished: started.Add(time.Second)},
		},
		Config: derive.EffectiveConfiguration{Admin: derive.AdminAccount{Username: "admin", Password: "s3cret-value"}},
	}
}

func TestSaveAndGet(t *testing.T) {
	s := openMem(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	run := makeRun(base, pipeline.RunFailed)
	run.Error = "AcquireBinary failed"

	require.NoError(t, s.Save(run))

	got, err := s.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, pipeline.RunFailed, got.Status)
	assert.True(t, run.Started.Equal(got.Started))
	assert.Equal(t, "AcquireBinary failed", got.Error)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, pipeline.StepPrerequisiteCheck, got.Steps[0].Name)
	assert.Equal(t, 8889, got.Summary.Port)
	assert.Empty(t, got.Config.Admin.Password)
}

func TestGet_NotFound(t *testing.T) {
	s := openMem(t)
	_, err := s.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList_NewestFirst(t *testing.T) {
	s := openMem(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var ids []uuid.UUID
	for i := 0; i < 4; i++ {
		run := makeRun(base.Add(time.Duration(i)*time.Minute), pipeline.RunSucceeded)
		ids = append(ids, run.ID)
		require.NoError(t, s.Save(run))
	}

	runs, err := s.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 4)
	for i, r := range runs {
		assert.Equal(t, ids[3-i], r.ID)
	}

	limited, err := s.List(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, ids[3], limited[0].ID)

	latest, err := s.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ids[3], latest.ID)
}

func TestLatest_Empty(t *testing.T) {
	s := openMem(t)
	_, err := s.Latest(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSave_ReplacesSameID(t *testing.T) {
	s := openMem(t)
	run := makeRun(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), pipeline.RunRunning)
	require.NoError(t, s.Save(run))

	run.Status = pipeline.RunSucceeded
	run.Started = run.Started.Add(time.Second)
	require.NoError(t, s.Save(run))

	runs, err := s.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, pipeline.RunSucceeded, runs[0].Status)
}

func TestSave_PrunesBeyondRetention(t *testing.T) {
	s, err := Open(Config{InMemory: true, Retain: 3})
	require.NoError(t, err)
	defer s.Close()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var runs []*pipeline.Run
	for i := 0; i < 5; i++ {
		run := makeRun(base.Add(time.Duration(i)*time.Hour), pipeline.RunSucceeded)
		runs = append(runs, run)
		require.NoError(t, s.Save(run))
	}

	kept, err := s.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, kept, 3)
	assert.Equal(t, runs[4].ID, kept[0].ID)
	assert.Equal(t, runs[2].ID, kept[2].ID)

	_, err = s.Get(context.Background(), runs[0].ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPersistentReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Path: dir})
	require.NoError(t, err)
	run := makeRun(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), pipeline.RunSucceeded)
	require.NoError(t, s.Save(run))
	require.NoError(t, s.Close())

	s, err = Open(Config{Path: dir})
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestList_CancelledContext(t *testing.T) {
	s := openMem(t)
	require.NoError(t, s.Save(makeRun(time.Now(), pipeline.RunSucceeded)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.List(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
}
