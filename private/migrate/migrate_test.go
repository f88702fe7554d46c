// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package migrate_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/signalhub/signalhub/private/migrate"
)

func TestValidTableName(t *testing.T) {
	m := migrate.Migration{Table: "versions"}
	require.NoError(t, m.ValidTableName())

	m.Table = "versions; DROP TABLE loaders"
	require.Error(t, m.ValidTableName())

	m.Table = ""
	require.Error(t, m.ValidTableName())
}

func TestValidateSteps(t *testing.T) {
	m := migrate.Migration{
		Steps: []*migrate.Step{
			{Version: 0},
			{Version: 1},
			{Version: 2},
		},
	}
	require.NoError(t, m.ValidateSteps())

	m.Steps[1].Version = 3
	require.Error(t, m.ValidateSteps())
}

func TestTargetVersion(t *testing.T) {
	m := migrate.Migration{
		Steps: []*migrate.Step{
			{Version: 0},
			{Version: 1},
			{Version: 2},
		},
	}

	trimmed := m.TargetVersion(1)
	require.Len(t, trimmed.Steps, 2)
	require.Equal(t, 1, trimmed.Steps[len(trimmed.Steps)-1].Version)

	require.Len(t, m.TargetVersion(-1).Steps, 0)
	require.Len(t, m.TargetVersion(10).Steps, 3)
}
