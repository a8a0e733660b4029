package logging

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"
)

var componentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)

var levelTags = map[logrus.Level]string{
	logrus.PanicLevel: "[PANIC]",
	logrus.FatalLevel: "[FATAL]",
	logrus.ErrorLevel: "[ERROR]",
	logrus.WarnLevel:  "[WARN]",
	logrus.InfoLevel:  "[INFO]",
	logrus.DebugLevel: "[DEBUG]",
	logrus.TraceLevel: "[TRACE]",
}

// TextFormatter renders one line per entry:
//
//	2024-05-01 12:00:00 [INFO] [dispatch] Runfile dispatched pid=2024-S1-MX-3 runfile=...
//
// Fields other than component follow the message in key order.
type TextFormatter struct {
	Config FormatConfig
}

func (f *TextFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	parts := make([]string, 0, 4+len(entry.Data))
	if !f.Config.DisableTimestamp {
		parts = append(parts, entry.Time.Format("2006-01-02 15:04:05"))
	}
	parts = append(parts, levelTags[entry.Level])

	if component, ok := entry.Data["component"]; ok && !f.Config.DisableComponent {
		parts = append(parts, "["+componentStyle.Render(fmt.Sprint(component))+"]")
	}
	if entry.HasCaller() {
		parts = append(parts, fmt.Sprintf("[%s:%d %s]",
			filepath.Base(entry.Caller.File), entry.Caller.Line, filepath.Base(entry.Caller.Function)))
	}
	parts = append(parts, entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for key := range entry.Data {
		if key != "component" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		parts = append(parts, key+"="+fieldValue(entry.Data[key]))
	}
	return []byte(strings.Join(parts, " ") + "\n"), nil
}

// fieldValue quotes values that would otherwise split into several tokens,
// such as remote stderr.
func fieldValue(v interface{}) string {
	s := fmt.Sprint(v)
	if s == "" || strings.ContainsAny(s, " \t\n\"") {
		return strconv.Quote(s)
	}
	return s
}
