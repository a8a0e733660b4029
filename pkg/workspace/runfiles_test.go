package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lmtoy/pipeline-web/errors"
	"github.com/lmtoy/pipeline-web/pkg/runfile"
	"github.com/lmtoy/pipeline-web/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRunfile = `# mapping runs
SLpipeline.sh obsnum=100 _s=M51 beam=1
SLpipeline.sh obsnums=100,101 _s=M51 pix_list=0,1,2
this line is broken
`

// newEditableSession returns a clone session holding one runfile.
func newEditableSession(t *testing.T) (*Store, Session, string) {
	t.Helper()
	s, _ := newTestStore(t)
	def, err := s.Session(testPID, "")
	require.NoError(t, err)
	testutil.WriteFile(t, def.Path, testPID+".run1a", sampleRunfile)

	sess, err := s.CloneSession(testPID, "", "edit")
	require.NoError(t, err)
	return s, sess, testPID + ".run1a"
}

func TestReadRunfile(t *testing.T) {
	s, sess, name := newEditableSession(t)

	rf, err := s.ReadRunfile(sess, name)
	require.NoError(t, err)
	assert.Equal(t, sampleRunfile, rf.Raw)
	require.Len(t, rf.Rows, 3)
	assert.Equal(t, []string{"obsnum", "_s", "beam"}, rf.Rows[0].Keys())
	assert.True(t, rf.Rows[2].IsError())

	_, err = s.ReadRunfile(sess, testPID+".nope")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestRunfileNameChecks(t *testing.T) {
	s, sess, _ := newEditableSession(t)

	for _, name := range []string{
		"../" + testPID + ".run1a",
		"other.run1a",
		testPID + ".",
		testPID + ".run1a.jobid",
		testPID + ".a b",
	} {
		_, err := s.RunfilePath(sess, name)
		assert.True(t, errors.Is(err, errors.ErrCodeInvalid), "name %q", name)
	}
}

func TestWriteRunfileCoercions(t *testing.T) {
	s, sess, name := newEditableSession(t)

	rows := []runfile.Row{
		runfile.NewRow("obsnum(s)", "100,200,300", "_s", "X"),
		runfile.NewRow("obsnum", "5", "_s", "Y", "exclude_beams", "0,1,15", "dv", " "),
	}
	require.NoError(t, s.WriteRunfile(sess, name, rows))

	data, err := os.ReadFile(filepath.Join(sess.Path, name))
	require.NoError(t, err)
	assert.Equal(t,
		"SLpipeline.sh obsnums=100,200,300 _s=X\n"+
			"SLpipeline.sh obsnum=5 _s=Y pix_list=2,3,4,5,6,7,8,9,10,11,12,13,14\n",
		string(data))

	// No temporary files are left next to the runfile.
	entries, err := os.ReadDir(sess.Path)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}

func TestWriteRunfileRoundTrip(t *testing.T) {
	s, sess, name := newEditableSession(t)

	rf, err := s.ReadRunfile(sess, name)
	require.NoError(t, err)
	require.NoError(t, s.WriteRunfile(sess, name, rf.Rows))

	again, err := s.ReadRunfile(sess, name)
	require.NoError(t, err)
	assert.Equal(t, rf.Rows, again.Rows)
}

func TestWriteRefusedOnDefaultSession(t *testing.T) {
	s, _ := newTestStore(t)
	def, err := s.Session(testPID, "")
	require.NoError(t, err)
	testutil.WriteFile(t, def.Path, testPID+".run1a", sampleRunfile)

	err = s.WriteRunfile(def, testPID+".run1a", nil)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalid))
	_, err = s.AddRunfile(def, testPID+".new")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalid))
	assert.True(t, errors.Is(s.DeleteRunfile(def, testPID+".run1a"), errors.ErrCodeInvalid))

	data, err := os.ReadFile(filepath.Join(def.Path, testPID+".run1a"))
	require.NoError(t, err)
	assert.Equal(t, sampleRunfile, string(data))
}

func TestWriteValidated(t *testing.T) {
	s, sess, name := newEditableSession(t)

	bad := []runfile.Row{runfile.NewRow("obsnum", "7", "_s", "M51", "beam", "9", "mystery", "1")}
	issues, err := s.WriteValidated(sess, name, bad, runfile.Mapping)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalid))
	assert.Contains(t, err.Error(), "line 1: error: beam")
	assert.Len(t, issues, 2)

	data, err := os.ReadFile(filepath.Join(sess.Path, name))
	require.NoError(t, err)
	assert.Equal(t, sampleRunfile, string(data), "refused write leaves the file alone")

	good := []runfile.Row{runfile.NewRow("obsnum", "7", "_s", "M51", "mystery", "1")}
	issues, err = s.WriteValidated(sess, name, good, runfile.Mapping)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, runfile.SeverityWarn, issues[0].Severity)
}

func TestValidateRunfile(t *testing.T) {
	s, sess, name := newEditableSession(t)

	issues, err := s.ValidateRunfile(sess, name, runfile.Mapping)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, 4, issues[0].Line)
	assert.Equal(t, runfile.SeverityError, issues[0].Severity)
}

func TestAddCloneDeleteRunfile(t *testing.T) {
	s, sess, name := newEditableSession(t)

	path, err := s.AddRunfile(sess, testPID+".run2a")
	require.NoError(t, err)
	assert.FileExists(t, path)
	_, err = s.AddRunfile(sess, testPID+".run2a")
	assert.True(t, errors.Is(err, errors.ErrCodeAlreadyExists))

	_, err = s.CloneRunfile(sess, name, testPID+".run2a")
	assert.True(t, errors.Is(err, errors.ErrCodeAlreadyExists))
	_, err = s.CloneRunfile(sess, testPID+".missing", testPID+".run3a")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))

	copyPath, err := s.CloneRunfile(sess, name, testPID+".run1b")
	require.NoError(t, err)
	data, err := os.ReadFile(copyPath)
	require.NoError(t, err)
	assert.Equal(t, sampleRunfile, string(data))

	testutil.WriteFile(t, sess.Path, name+".jobid", "1\n2\n")
	testutil.WriteFile(t, sess.Path, name+".notes", "hello")
	require.NoError(t, s.DeleteRunfile(sess, name))
	assert.NoFileExists(t, filepath.Join(sess.Path, name))
	assert.NoFileExists(t, filepath.Join(sess.Path, name+".jobid"))
	assert.NoFileExists(t, filepath.Join(sess.Path, name+".notes"))
	assert.True(t, errors.Is(s.DeleteRunfile(sess, name), errors.ErrCodeNotFound))

	names, err := s.ListRunfiles(sess)
	require.NoError(t, err)
	assert.Equal(t, []string{testPID + ".run1b", testPID + ".run2a"}, names)
}

func TestRowOperations(t *testing.T) {
	s, sess, name := newEditableSession(t)

	rows, err := s.CloneRows(sess, name, []int{0})
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, rows[0], rows[3])

	rows, err = s.UpdateColumn(sess, name, []int{0, 3}, "dv", "50")
	require.NoError(t, err)
	v, ok := rows[3].Get("dv")
	require.True(t, ok)
	assert.Equal(t, "50", v)
	_, ok = rows[1].Get("dv")
	assert.False(t, ok)

	_, err = s.UpdateColumn(sess, name, []int{2}, "dv", "1")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalid), "error rows cannot be edited")

	rows, err = s.UpdateColumn(sess, name, []int{0}, "beam", "")
	require.NoError(t, err)
	_, ok = rows[0].Get("beam")
	assert.False(t, ok)

	rows, err = s.DeleteRows(sess, name, []int{2, 1})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		obs, _ := r.Obsnum()
		assert.Equal(t, "100", obs)
	}

	_, err = s.DeleteRows(sess, name, []int{5})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalid))
	_, err = s.DeleteRows(sess, name, nil)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalid))
	_, err = s.UpdateColumn(sess, name, []int{0}, "bad key", "1")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalid))
}

func TestRowEditsValidateAs(t *testing.T) {
	s, sess, name := newEditableSession(t)
	path := filepath.Join(sess.Path, name)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	// The unparsable row keeps the result invalid.
	_, err = s.UpdateColumn(sess, name, []int{0}, "dv", "50", ValidateAs(runfile.Mapping))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalid))
	issues := Issues(err)
	require.True(t, runfile.HasErrors(issues))
	assert.Positive(t, issues[0].Line)
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))

	rows, err := s.DeleteRows(sess, name, []int{2}, ValidateAs(runfile.Mapping))
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	_, err = s.UpdateColumn(sess, name, []int{1}, "beam", "9", ValidateAs(runfile.Mapping))
	issues = Issues(err)
	require.Len(t, issues, 1)
	assert.Equal(t, 2, issues[0].Line)
	assert.Equal(t, "beam", issues[0].Key)

	_, err = s.CloneRows(sess, name, []int{0}, ValidateAs(runfile.Mapping))
	require.NoError(t, err)
	assert.Nil(t, Issues(nil))
}

func TestNotes(t *testing.T) {
	s, sess, name := newEditableSession(t)

	notes, err := s.ReadNotes(sess, name)
	require.NoError(t, err)
	assert.Empty(t, notes)

	require.NoError(t, s.WriteNotes(sess, name, "rerun with dv=50"))
	notes, err = s.ReadNotes(sess, name)
	require.NoError(t, err)
	assert.Equal(t, "rerun with dv=50", notes)

	err = s.WriteNotes(sess, testPID+".missing", "x")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}
