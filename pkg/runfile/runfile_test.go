package runfile

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndSerializeRoundTrip(t *testing.T) {
	input := "SLpipeline.sh obsnum=12345 _s=Mars admit=1 speczoom=0,100\n"

	rows := Parse([]byte(input))
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"obsnum", "_s", "admit", "speczoom"}, rows[0].Keys())
	assert.Equal(t, map[string]string{
		"obsnum":   "12345",
		"_s":       "Mars",
		"admit":    "1",
		"speczoom": "0,100",
	}, rows[0].Map())

	out, err := Serialize(rows)
	require.NoError(t, err)
	assert.Equal(t, input, string(out))

	again := Parse(out)
	assert.Equal(t, rows, again)
}

func TestParseSkipsCommentsAndKeepsErrors(t *testing.T) {
	input := "# generated by mk_runs.py\n\nSLpipeline.sh obsnum=1 _s=A\nnot a runfile line\nSLpipeline.sh obsnum\n  SLpipeline.sh obsnums=1,2 _s=B  \n"

	rows := Parse([]byte(input))
	require.Len(t, rows, 4)
	assert.False(t, rows[0].IsError())
	assert.True(t, rows[1].IsError())
	v, _ := rows[1].Get(ErrorKey)
	assert.Equal(t, "not a runfile line", v)
	assert.True(t, rows[2].IsError())
	obs, ok := rows[3].Obsnum()
	require.True(t, ok)
	assert.Equal(t, "1,2", obs)
}

func TestParseRejectsDuplicateKeys(t *testing.T) {
	rows := Parse([]byte("SLpipeline.sh obsnum=1 obsnum=2\n"))
	require.Len(t, rows, 1)
	assert.True(t, rows[0].IsError())
}

func TestFormatLineObsnumsSwitch(t *testing.T) {
	tests := []struct {
		name string
		row  Row
		want string
	}{
		{"plural for list", NewRow(ObsnumEitherKey, "100,200,300", "_s", "X"), "SLpipeline.sh obsnums=100,200,300 _s=X"},
		{"singular for one", NewRow(ObsnumsKey, "100", "_s", "X"), "SLpipeline.sh obsnum=100 _s=X"},
		{"obsnum with list", NewRow(ObsnumKey, "1,2"), "SLpipeline.sh obsnums=1,2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FormatLine(tt.row)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatLineExcludeBeams(t *testing.T) {
	got, err := FormatLine(NewRow(ObsnumKey, "1", ExcludeBeamsKey, "0,1,15"))
	require.NoError(t, err)
	assert.Equal(t, "SLpipeline.sh obsnum=1 pix_list=2,3,4,5,6,7,8,9,10,11,12,13,14", got)

	_, err = FormatLine(NewRow(ObsnumKey, "1", ExcludeBeamsKey, "16"))
	assert.Error(t, err)
}

func TestFormatLineOmitsEmptyCells(t *testing.T) {
	got, err := FormatLine(NewRow(ObsnumKey, "1", "_s", "  ", "admit", ""))
	require.NoError(t, err)
	assert.Equal(t, "SLpipeline.sh obsnum=1", got)

	_, err = FormatLine(NewRow("_s", ""))
	assert.Error(t, err, "a row with nothing to write is refused")

	_, err = FormatLine(NewRow(ObsnumKey, "1", "_s", "two words"))
	assert.Error(t, err)
}

func TestErrorRowsSerializeVerbatim(t *testing.T) {
	out, err := Serialize([]Row{ErrorRow("garbage line"), NewRow(ObsnumKey, "5")})
	require.NoError(t, err)
	assert.Equal(t, "garbage line\nSLpipeline.sh obsnum=5\n", string(out))
}

func TestComplementPixelsIsInvolution(t *testing.T) {
	for _, list := range []string{"0,1,15", "", "3", "0,1,2,3,4,5,6,7,8,9,10,11,12,13,14,15", "15,2,2"} {
		once, err := ComplementPixels(list)
		require.NoError(t, err)
		twice, err := ComplementPixels(once)
		require.NoError(t, err)

		canonical, err := ParsePixels(list)
		require.NoError(t, err)
		back, err := ParsePixels(twice)
		require.NoError(t, err)
		assert.Equal(t, canonical, back, "list %q", list)
	}
}

func TestRowJSON(t *testing.T) {
	var row Row
	require.NoError(t, json.Unmarshal([]byte(`{"obsnum(s)":[100,200],"_s":"M31","admit":1,"beam":null,"extra":true}`), &row))
	assert.Equal(t, []string{"obsnum(s)", "_s", "admit", "beam", "extra"}, row.Keys())
	v, _ := row.Get("obsnum(s)")
	assert.Equal(t, "100,200", v)
	v, _ = row.Get("admit")
	assert.Equal(t, "1", v)

	out, err := json.Marshal(row)
	require.NoError(t, err)
	assert.Equal(t, `{"obsnum(s)":"100,200","_s":"M31","admit":"1","beam":"","extra":"true"}`, string(out))

	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &row))
}

func TestRowMutation(t *testing.T) {
	row := NewRow("obsnum", "1", "_s", "A", "admit", "0")
	row.Set("_s", "B")
	row.Set("bank", "1")
	row.Delete("admit")
	assert.Equal(t, []string{"obsnum", "_s", "bank"}, row.Keys())

	clone := row.Clone()
	clone.Set("_s", "C")
	v, _ := row.Get("_s")
	assert.Equal(t, "B", v)
}
