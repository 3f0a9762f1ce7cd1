package terminology

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/termserver/pkg/textnorm"
)

func clinicalFindingIDs(t *testing.T, svc *Service) []string {
	t.Helper()
	compose := isA(SystemSNOMED, codeClinicalFinding)
	ms, err := svc.exp.Expand(context.Background(), &compose)
	require.NoError(t, err)
	return codesOf(ms.Members)
}

func TestFilterAndRank_ExactMatchFirst(t *testing.T) {
	svc := newTestService(t)
	cs := snomedSystem(t, svc)

	ranked, err := svc.ranker.FilterAndRank(context.Background(), cs, clinicalFindingIDs(t, svc), "heart attack", "en")
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, codeMI, ranked[0].Ref.Code)
	assert.Equal(t, "Heart attack", ranked[0].Term)
	assert.Equal(t, codeAcuteMI, ranked[1].Ref.Code)
	assert.Equal(t, "Acute heart attack syndrome", ranked[1].Term)
	assert.Greater(t, ranked[0].Score, ranked[1].Score)
}

func TestFilterAndRank_Deterministic(t *testing.T) {
	wide := testOptions()
	narrow := testOptions()
	narrow.MaxTermsPerQuery = 2
	narrow.PageSize = 1

	a := newTestServiceWith(t, wide, nil)
	b := newTestServiceWith(t, narrow, nil)
	ids := clinicalFindingIDs(t, a)

	first, err := a.ranker.FilterAndRank(context.Background(), snomedSystem(t, a), ids, "diabetes", "en")
	require.NoError(t, err)
	second, err := a.ranker.FilterAndRank(context.Background(), snomedSystem(t, a), ids, "diabetes", "en")
	require.NoError(t, err)
	chunked, err := b.ranker.FilterAndRank(context.Background(), snomedSystem(t, b), ids, "diabetes", "en")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, first, chunked)
	require.Len(t, first, 2)
	assert.Equal(t, codeDiabetes, first[0].Ref.Code, "starts-with beats word-boundary")
	assert.Equal(t, codeDiabetesType2, first[1].Ref.Code)
}

func TestFilterAndRank_TieBrokenByTerm(t *testing.T) {
	svc := newTestService(t)
	ids := []string{"900103", "900101", "900102"}
	ranked, err := svc.ranker.FilterAndRank(context.Background(), snomedSystem(t, svc), ids, "cardiac", "en")
	require.NoError(t, err)
	require.Len(t, ranked, 3)
	assert.Equal(t, ranked[0].Score, ranked[2].Score)
	assert.Equal(t, "Cardiac finding 01", ranked[0].Term)
	assert.Equal(t, "Cardiac finding 02", ranked[1].Term)
	assert.Equal(t, "Cardiac finding 03", ranked[2].Term)
}

func TestFilterAndRank_PartialWordAnywhereInTerm(t *testing.T) {
	svc := newTestService(t)
	ids := clinicalFindingIDs(t, svc)
	cs := snomedSystem(t, svc)

	diab, err := svc.ranker.FilterAndRank(context.Background(), cs, ids, "diab", "en")
	require.NoError(t, err)
	require.Len(t, diab, 2)
	assert.Equal(t, codeDiabetes, diab[0].Ref.Code)
	assert.Equal(t, "Diabetes mellitus", diab[0].Term)
	assert.Equal(t, codeDiabetesType2, diab[1].Ref.Code)
	assert.Equal(t, "Type 2 diabetes mellitus", diab[1].Term)
	assert.Equal(t, float64(boostWordBoundary+boostSynonym), diab[1].Score)

	infarct, err := svc.ranker.FilterAndRank(context.Background(), cs, ids, "infarct", "en")
	require.NoError(t, err)
	require.Len(t, infarct, 2)
	assert.Equal(t, codeAcuteMI, infarct[0].Ref.Code, "equal scores fall back to term order")
	assert.Equal(t, "Acute myocardial infarction", infarct[0].Term)
	assert.Equal(t, codeMI, infarct[1].Ref.Code)
	assert.Equal(t, "Myocardial infarction", infarct[1].Term)
	assert.Equal(t, infarct[0].Score, infarct[1].Score)
}

func TestFilterAndRank_PunctuationInQuery(t *testing.T) {
	svc := newTestService(t)
	ranked, err := svc.ranker.FilterAndRank(context.Background(), snomedSystem(t, svc), []string{codeMI}, "heart-attack", "en")
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Equal(t, "Heart attack", ranked[0].Term)
}

func TestFilterAndRank_NormalisesQuery(t *testing.T) {
	svc := newTestService(t)
	ids := clinicalFindingIDs(t, svc)

	ranked, err := svc.ranker.FilterAndRank(context.Background(), snomedSystem(t, svc), ids, "  DIABÉTES  Mellitus ", "en")
	require.NoError(t, err)
	require.NotEmpty(t, ranked)
	assert.Equal(t, codeDiabetes, ranked[0].Ref.Code)
}

func TestFilterAndRank_LanguageScoped(t *testing.T) {
	svc := newTestService(t)
	ids := clinicalFindingIDs(t, svc)
	cs := snomedSystem(t, svc)

	fr, err := svc.ranker.FilterAndRank(context.Background(), cs, ids, "infarctus", "fr")
	require.NoError(t, err)
	require.Len(t, fr, 1)
	assert.Equal(t, codeMI, fr[0].Ref.Code)

	en, err := svc.ranker.FilterAndRank(context.Background(), cs, ids, "infarctus", "en")
	require.NoError(t, err)
	assert.Empty(t, en)
}

func TestFilterAndRank_IgnoresInactiveDescriptions(t *testing.T) {
	svc := newTestService(t)
	ranked, err := svc.ranker.FilterAndRank(context.Background(), snomedSystem(t, svc), []string{codeMI}, "cardiac infarction", "en")
	require.NoError(t, err)
	assert.Empty(t, ranked)
}

func TestFilterAndRank_EmptyFilter(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.ranker.FilterAndRank(context.Background(), snomedSystem(t, svc), []string{codeMI}, "   ", "en")
	require.Error(t, err)
	assert.Equal(t, KindInvalidInput, KindOf(err))
}

func TestAdjustScore(t *testing.T) {
	p := &DefaultProfile().CodeSystems[0]
	long := "Heart attack " + strings.Repeat("x", 100)

	tests := []struct {
		name   string
		term   string
		typeID string
		want   float64
	}{
		{"exact synonym", "Heart attack", SnomedSynonym, boostExact + boostSynonym},
		{"exact fsn", "Heart attack", SnomedFSN, boostExact + boostFSN},
		{"starts with", "Heart attack risk", SnomedSynonym, boostStartsWith + boostSynonym},
		{"word boundary", "Acute heart attack", SnomedSynonym, boostWordBoundary + boostSynonym},
		{"inside a word", "Preheart attack", "other", 0},
		{"long term", long, SnomedSynonym, boostStartsWith + boostSynonym - penaltyLongTerm},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, adjustScore("heart attack", tt.term, tt.typeID, p))
		})
	}
}

func TestSubstrateScore(t *testing.T) {
	tests := []struct {
		term  string
		want  float64
		match bool
	}{
		{"heart attack", 15, true},
		{"acute heart attack", 10, true},
		{"heart attacks", 5, true},
		{"acute heart attacks", 0, true},
		{"heart attack, acute", 15, true},
		{"acute (heart attack)", 10, true},
		{"preheart attack", 0, false},
		{"heart", 0, false},
	}
	for _, tt := range tests {
		got, ok := substrateScore(textnorm.NormalizeDisplay(tt.term), "heart attack")
		assert.Equal(t, tt.match, ok, tt.term)
		assert.Equal(t, tt.want, got, tt.term)
	}
}
