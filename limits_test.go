package sockrouter

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

type LimitsSuite struct {
	suite.Suite
}

func TestLimitsSuite(t *testing.T) {
	suite.Run(t, new(LimitsSuite))
}

func (s *LimitsSuite) TestZeroValueDefaults() {
	l := Limits{}
	s.Equal(1<<20, l.maxPayloadBytes())
	s.Equal(128, l.maxTopicLength())
	s.Equal(ExceededSend, l.onExceeded())
	s.Equal(1009, l.closeCode())
	s.True(l.warnIncompleteRPC(), "zero value must warn by default")
}

func (s *LimitsSuite) TestDisableIncompleteRPCWarningHonored() {
	l := Limits{DisableIncompleteRPCWarning: true}
	s.False(l.warnIncompleteRPC())
}

func (s *LimitsSuite) TestNegativeMaxPayloadBytesDisablesCheck() {
	l := Limits{MaxPayloadBytes: -1}
	s.Equal(-1, l.maxPayloadBytes())
}

func (s *LimitsSuite) TestTopicLengthBoundary() {
	l := Limits{}
	s.Error(l.validateTopic(""))
	s.Error(l.validateTopic(string(make([]rune, 129))))
}

func (s *LimitsSuite) TestTopicPatternRejectsDisallowedChars() {
	l := Limits{}
	s.Error(l.validateTopic("room one"))
	s.NoError(l.validateTopic("room:one-two.three_four/five"))
}
