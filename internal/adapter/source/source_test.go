package source

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medvault/internal/domain"
)

func TestCSVReadBasic(t *testing.T) {
	input := strings.NewReader(
		"record_id,clinical_summary,age_range,primary_condition\n" +
			"MRN_000001,Patient presents with elevated glucose,60-69,Type 2 Diabetes\n" +
			"MRN_000002,Followup after cardiac event,70-79,Heart Disease\n")

	records, err := NewCSVReader(DefaultCSVOptions()).Read(input)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "MRN_000001", records[0].RecordID)
	assert.Equal(t, "Patient presents with elevated glucose", records[0].Text)
	assert.Equal(t, "60-69", records[0].Metadata["age_range"])
	assert.Equal(t, "Type 2 Diabetes", records[0].Metadata["condition"])
}

func TestCSVTextColumnFallback(t *testing.T) {
	input := strings.NewReader(
		"record_id,summary\n" +
			"r1,Short note text\n")

	records, err := NewCSVReader(DefaultCSVOptions()).Read(input)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Short note text", records[0].Text)
}

func TestCSVConditionAliasNormalized(t *testing.T) {
	input := strings.NewReader(
		"record_id,clinical_summary,condition\n" +
			"r1,note,Asthma\n")

	records, err := NewCSVReader(DefaultCSVOptions()).Read(input)
	require.NoError(t, err)
	assert.Equal(t, "Asthma", records[0].Metadata["condition"])
}

func TestCSVMissingIDColumn(t *testing.T) {
	input := strings.NewReader("summary\nsome text\n")

	_, err := NewCSVReader(DefaultCSVOptions()).Read(input)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCSVMissingTextColumns(t *testing.T) {
	input := strings.NewReader("record_id,age_range\nr1,60-69\n")

	_, err := NewCSVReader(DefaultCSVOptions()).Read(input)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCSVEmptyFile(t *testing.T) {
	_, err := NewCSVReader(DefaultCSVOptions()).Read(strings.NewReader(""))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCSVEmptyTextCellKept(t *testing.T) {
	// Empty content is the anonymizer's decision, not the reader's.
	input := strings.NewReader("record_id,clinical_summary\nr1,\n")

	records, err := NewCSVReader(DefaultCSVOptions()).Read(input)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Empty(t, records[0].Text)
}

func writeTestFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("record_id\n"), 0644))
}

func TestWalkerIncludes(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, filepath.Join(root, "records.csv"))
	writeTestFile(t, filepath.Join(root, "nested", "more.csv"))
	writeTestFile(t, filepath.Join(root, "notes.txt"))

	files, err := NewWalker(nil, nil).Walk(root)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.True(t, strings.HasSuffix(files[0].Path, ".csv"))
	assert.True(t, strings.HasSuffix(files[1].Path, ".csv"))
}

func TestWalkerExcludesDirectory(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, filepath.Join(root, "keep.csv"))
	writeTestFile(t, filepath.Join(root, "archive", "old.csv"))

	files, err := NewWalker([]string{"**/*.csv"}, []string{"archive/"}).Walk(root)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, strings.HasSuffix(files[0].Path, "keep.csv"))
}
