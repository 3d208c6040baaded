package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nobletooth/plaza/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	testIntFlag      = flag.Int("config_test_int", 1, "Test only.")
	testBoolFlag     = flag.Bool("config_test_bool", false, "Test only.")
	testStringFlag   = flag.String("config_test_string", "", "Test only.")
	testDurationFlag = flag.Duration("config_test_duration", time.Second, "Test only.")
	testFloatFlag    = flag.Float64("config_test_float", 0, "Test only.")
	testExplicitFlag = flag.Int("config_test_explicit", 1, "Test only.")
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFileAndSetFlags(t *testing.T) {
	path := writeConfig(t, `{
		"config_test_int": 42,
		"config_test_bool": true,
		"nested": {"config_test_string": "hello", "config_test_duration": "3m"},
		"config_test_float": 0.25
	}`)
	conf, err := LoadFile(path)
	require.NoError(t, err)
	require.NoError(t, setConfigFlags(conf))

	assert.Equal(t, 42, *testIntFlag)
	assert.True(t, *testBoolFlag)
	assert.Equal(t, "hello", *testStringFlag)
	assert.Equal(t, 3*time.Minute, *testDurationFlag)
	assert.InDelta(t, 0.25, *testFloatFlag, 1e-9)
}

func TestSetConfigFlags(t *testing.T) {
	t.Run("explicit_flags_win", func(t *testing.T) {
		utils.SetTestFlag(t, "config_test_explicit", "7")
		conf, err := structpb.NewStruct(map[string]any{"config_test_explicit": 9})
		require.NoError(t, err)
		require.NoError(t, setConfigFlags(conf))
		assert.Equal(t, 7, *testExplicitFlag)
	})
	t.Run("config_file_flag_is_rejected", func(t *testing.T) {
		conf, err := structpb.NewStruct(map[string]any{"config_file": "other.json"})
		require.NoError(t, err)
		assert.Error(t, setConfigFlags(conf))
	})
	t.Run("lists_are_rejected", func(t *testing.T) {
		conf, err := structpb.NewStruct(map[string]any{"config_test_string": []any{"a", "b"}})
		require.NoError(t, err)
		assert.Error(t, setConfigFlags(conf))
	})
	t.Run("duplicate_keys_across_groups", func(t *testing.T) {
		conf, err := structpb.NewStruct(map[string]any{
			"config_test_int": 1,
			"group":           map[string]any{"config_test_int": 2},
		})
		require.NoError(t, err)
		assert.Error(t, setConfigFlags(conf))
	})
}

func TestCollectUnknownKeys(t *testing.T) {
	conf, err := structpb.NewStruct(map[string]any{
		"config_test_int": 3,
		"no_such_flag":    true,
		"group":           map[string]any{"another_missing_flag": "x"},
	})
	require.NoError(t, err)
	errs := CollectUnknownKeys(conf)
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0].Error(), "another_missing_flag")
	assert.Contains(t, errs[1].Error(), "no_such_flag")
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = LoadFile(writeConfig(t, `{"broken": `))
	assert.Error(t, err)
}
