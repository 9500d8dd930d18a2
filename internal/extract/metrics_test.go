package extract

import (
	"strings"
	"testing"

	"lode/internal/policy"
)

func TestMeasurePageTextBearing(t *testing.T) {
	pol := policy.DefaultExtractionPolicy()
	text := "5.2 Torque requirements\n- apply the torque in three passes\n- verify with a calibrated wrench\n- record the final value in the inspection log\n"
	m := MeasurePage(text, false, pol)
	if !m.NonBlank {
		t.Error("page with text should be non-blank")
	}
	if !m.TextBearingExpected {
		t.Error("list markers should flag the page text-bearing")
	}
	if m.MarkerCount < 2 {
		t.Errorf("marker count = %d", m.MarkerCount)
	}
	if m.ExtractedCharCount == 0 || m.ReplacementCharRatio != 0 || m.ControlCharRatio != 0 {
		t.Errorf("unexpected metrics: %+v", m)
	}
	if got := HardFailReasons(m, pol); len(got) != 0 {
		t.Errorf("clean page escalated: %v", got)
	}
}

func TestMeasurePageBlank(t *testing.T) {
	pol := policy.DefaultExtractionPolicy()
	m := MeasurePage("   \n\t\n", false, pol)
	if m.NonBlank {
		t.Error("whitespace-only page should be blank")
	}
	if m.ExtractedCharCount != 0 {
		t.Errorf("char count = %d", m.ExtractedCharCount)
	}
	if got := HardFailReasons(m, pol); len(got) != 0 {
		t.Errorf("blank page escalated: %v", got)
	}
}

func TestHardFailReasons(t *testing.T) {
	pol := policy.DefaultExtractionPolicy()

	t.Run("parser error", func(t *testing.T) {
		m := MeasurePage("some text on the page", true, pol)
		if !hasReason(HardFailReasons(m, pol), ReasonParserError) {
			t.Error("parser error not escalated")
		}
	})

	t.Run("low char count on text-bearing page", func(t *testing.T) {
		m := MeasurePage("- tiny", false, pol)
		if !hasReason(HardFailReasons(m, pol), ReasonLowCharCount) {
			t.Error("short text-bearing page not escalated")
		}
	})

	t.Run("replacement char ratio", func(t *testing.T) {
		text := strings.Repeat("word ", 30) + "���"
		m := MeasurePage(text, false, pol)
		if m.ReplacementCharRatio <= pol.ReplacementCharRatioMax {
			t.Fatalf("fixture ratio %v under threshold", m.ReplacementCharRatio)
		}
		if !hasReason(HardFailReasons(m, pol), ReasonReplacementCharRatio) {
			t.Error("mojibake page not escalated")
		}
	})

	t.Run("control char ratio", func(t *testing.T) {
		text := strings.Repeat("word ", 30) + "\x01\x02\x03\x04"
		m := MeasurePage(text, false, pol)
		if !hasReason(HardFailReasons(m, pol), ReasonControlCharRatio) {
			t.Error("control-char page not escalated")
		}
	})
}

func hasReason(reasons []string, want string) bool {
	for _, reason := range reasons {
		if reason == want {
			return true
		}
	}
	return false
}
