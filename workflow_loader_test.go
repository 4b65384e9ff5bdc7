package policyscan_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	policyscan "github.com/Schravenralph/PolicyScan-sub014"
)

const workflowYAML = `
workflows:
  - id: policy-discovery
    name: Policy discovery
    steps:
      - id: search
        action: search-government-sites
        params:
          query: "noise ordinance"
          max_results: 25
      - id: review-candidates
        action: collect-candidates
        review_point: true
        review_strategy: majority
        required_reviewers: 3
        review_timeout: 72h
        on_timeout: resume
      - id: scrape
        action: scrape-websites
`

func TestDecodeWorkflowYAML(t *testing.T) {
	workflows, err := policyscan.DecodeWorkflowYAML(strings.NewReader(workflowYAML))
	require.NoError(t, err)
	require.Len(t, workflows, 1)

	wf := workflows[0]
	assert.Equal(t, "policy-discovery", wf.ID)
	assert.Equal(t, "Policy discovery", wf.Name)
	require.Len(t, wf.Steps, 3)

	search := wf.Steps[0]
	assert.Equal(t, "search-government-sites", search.Action)
	assert.Equal(t, "noise ordinance", search.Params["query"])
	assert.False(t, search.ReviewPoint)
	assert.Zero(t, search.ReviewTimeout)

	rev := wf.Steps[1]
	assert.True(t, rev.ReviewPoint)
	assert.Equal(t, "majority", rev.ReviewStrategy)
	assert.Equal(t, 3, rev.RequiredReviewers)
	assert.Equal(t, 72*time.Hour, rev.ReviewTimeout)
	assert.Equal(t, policyscan.OnTimeoutResume, rev.OnTimeout)
}

func TestDecodeWorkflowYAMLRejectsUnknownFields(t *testing.T) {
	_, err := policyscan.DecodeWorkflowYAML(strings.NewReader(`
workflows:
  - id: wf
    steps:
      - id: s1
        action: a
        retries: 3
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retries")
}

func TestDecodeWorkflowYAMLValidation(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "empty file",
			doc:  "workflows: []\n",
			want: "no workflows",
		},
		{
			name: "missing workflow id",
			doc: `
workflows:
  - name: anonymous
    steps:
      - id: s1
        action: a
`,
			want: "workflow id is required",
		},
		{
			name: "duplicate step ids",
			doc: `
workflows:
  - id: wf
    steps:
      - id: s1
        action: a
      - id: s1
        action: b
`,
			want: "duplicate step id",
		},
		{
			name: "bad timeout",
			doc: `
workflows:
  - id: wf
    steps:
      - id: s1
        action: a
        review_timeout: soon
`,
			want: "invalid review_timeout",
		},
		{
			name: "negative timeout",
			doc: `
workflows:
  - id: wf
    steps:
      - id: s1
        action: a
        review_timeout: -5m
`,
			want: "must be positive",
		},
		{
			name: "bad on_timeout",
			doc: `
workflows:
  - id: wf
    steps:
      - id: s1
        action: a
        on_timeout: retry
`,
			want: "invalid on_timeout",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := policyscan.DecodeWorkflowYAML(strings.NewReader(tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadWorkflowFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflows.yaml")
	require.NoError(t, os.WriteFile(path, []byte(workflowYAML), 0o644))

	workflows, err := policyscan.LoadWorkflowFile(path)
	require.NoError(t, err)
	require.Len(t, workflows, 1)
	assert.Equal(t, "policy-discovery", workflows[0].ID)

	_, err = policyscan.LoadWorkflowFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
