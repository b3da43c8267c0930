// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ast

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parsePython(t *testing.T, file, src string) *LineageResult {
	t.Helper()
	res, err := NewPythonPlugin().Parse(context.Background(), []byte(src), ParseContext{ProjectScope: "p", FilePath: file})
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

const pipelineSource = `import pandas as pd
from etl.common import notify

QUERY = """
SELECT id, amount FROM sales.orders
"""


class Loader:
    def run(self, conn):
        df = pd.read_sql(QUERY, conn)
        self.save(df)

    def save(self, df):
        df.to_sql("orders_clean", con=None)


def main():
    loader = Loader()
    loader.run(None)
    notify("done")

    def inner():
        helper()

    inner()


def helper():
    pass


if __name__ == "__main__":
    main()
`

func TestPythonPlugin_Pipeline(t *testing.T) {
	res := parsePython(t, "etl/pipeline.py", pipelineSource)

	assert.Equal(t, []string{
		"Class:etl.pipeline.Loader",
		"Function:etl.pipeline.helper",
		"Function:etl.pipeline.main",
		"Method:etl.pipeline.Loader.run",
		"Method:etl.pipeline.Loader.save",
		"Script:etl/pipeline.py",
	}, nodeNames(res))

	assert.Equal(t, []string{
		"etl.pipeline.Loader.run -CALLS-> etl.pipeline.Loader.save",
		"etl.pipeline.Loader.run -READS_FROM-> sales.orders",
		"etl.pipeline.Loader.save -WRITES_TO-> orders_clean",
		"etl.pipeline.main -CALLS-> etl.common.notify",
		"etl.pipeline.main -CALLS-> etl.pipeline.helper",
		"etl/pipeline.py -CALLS-> etl.pipeline.main",
	}, edgeStrings(res))

	assert.Equal(t, []Ref{
		{Label: LabelDataAsset, Name: "orders_clean"},
		{Label: LabelDataAsset, Name: "sales.orders"},
		{Label: LabelFunction, Name: "etl.common.notify"},
	}, res.ExternalRefs)
	assert.False(t, res.Degraded())
	assert.Equal(t, "python", res.Metadata[MetaLanguage])
}

func TestPythonPlugin_EmbeddedSQLStatements(t *testing.T) {
	res := parsePython(t, "jobs/refresh.py", `
def refresh(cur):
    cur.execute("INSERT INTO mart.daily " "SELECT * FROM raw.events")
    cur.execute(f"DELETE FROM {table}")
    query = "UPDATE mart.daily SET ok = 1"
    cur.execute(query)


spark.table("raw.sessions").write.saveAsTable("mart.sessions")
`)

	assert.Equal(t, []string{
		"jobs.refresh.refresh -READS_FROM-> raw.events",
		"jobs.refresh.refresh -WRITES_TO-> mart.daily",
		"jobs/refresh.py -READS_FROM-> raw.sessions",
		"jobs/refresh.py -WRITES_TO-> mart.sessions",
	}, edgeStrings(res))
}

func TestPythonPlugin_SyntaxErrorDegrades(t *testing.T) {
	res := parsePython(t, "broken.py", "def broken(:\n    pass\n\ndef ok():\n    pass\n")
	assert.True(t, res.Degraded())
	assert.NotEmpty(t, res.Diagnostics())
}

func TestModuleName(t *testing.T) {
	tests := map[string]string{
		"etl/pipeline.py":   "etl.pipeline",
		"./etl/__init__.py": "etl",
		"main.py":           "main",
		"__init__.py":       "",
		"a\\b\\c.py":        "a.b.c",
		"/abs/pkg/mod.py":   "abs.pkg.mod",
	}
	for in, want := range tests {
		assert.Equal(t, want, ModuleName(in), in)
	}
}

func TestUnquotePython(t *testing.T) {
	tests := map[string]string{
		`"abc"`:        "abc",
		`'abc'`:        "abc",
		`"""a\nb"""`:   `a\nb`,
		`r"raw"`:       "raw",
		`rb'bytes'`:    "bytes",
		`f"x {y}"`:     "x {y}",
		`'''multi'''`:  "multi",
		`"unbalanced`:  `"unbalanced`,
		`""`:           "",
		`u"unicode"`:   "unicode",
		`F'''upper'''`: "upper",
	}
	for in, want := range tests {
		assert.Equal(t, want, unquotePython(in), in)
	}
}
