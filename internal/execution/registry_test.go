package execution

import (
	"reflect"
	"testing"

	"tradingagents/internal/models"
)

var alwaysRun = []string{
	StageMarket,
	StageBullResearcher, StageBearResearcher, StageResearchManager,
	StageTrader,
	StageAggressiveAnalyst, StageConservativeAnalyst, StageNeutralAnalyst,
	StagePortfolioManager,
}

func TestResolvePlan(t *testing.T) {
	tests := []struct {
		name     string
		selected []string
		want     []string
	}{
		{
			name:     "nothing selected",
			selected: nil,
			want:     alwaysRun,
		},
		{
			name:     "social and news",
			selected: []string{"news", "social"},
			want: []string{
				StageMarket, StageSocial, StageNews,
				StageBullResearcher, StageBearResearcher, StageResearchManager,
				StageTrader,
				StageAggressiveAnalyst, StageConservativeAnalyst, StageNeutralAnalyst,
				StagePortfolioManager,
			},
		},
		{
			name:     "unknown names ignored",
			selected: []string{"astrology", "fundamentals", ""},
			want: []string{
				StageMarket, StageFundamentals,
				StageBullResearcher, StageBearResearcher, StageResearchManager,
				StageTrader,
				StageAggressiveAnalyst, StageConservativeAnalyst, StageNeutralAnalyst,
				StagePortfolioManager,
			},
		},
		{
			name:     "selecting an always-run stage is harmless",
			selected: []string{"trader", "market"},
			want:     alwaysRun,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolvePlan(tt.selected).StageNames()
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ResolvePlan(%v) = %v, want %v", tt.selected, got, tt.want)
			}
		})
	}
}

func TestResolvePlan_Deterministic(t *testing.T) {
	a := ResolvePlan([]string{"fundamentals", "social", "news"})
	b := ResolvePlan([]string{"news", "fundamentals", "social", "news"})
	if !reflect.DeepEqual(a, b) {
		t.Errorf("plans differ for the same selection set:\n%v\n%v", a.StageNames(), b.StageNames())
	}
}

func TestResolvePlan_TeamsKeepBarrierOrder(t *testing.T) {
	plan := ResolvePlan(nil)
	var names []string
	for _, team := range plan.Teams {
		names = append(names, team.Name)
	}
	want := []string{"Analyst Team", "Research Team", "Trading Team", "Risk Management", "Portfolio Management"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("team order = %v, want %v", names, want)
	}
	if !plan.Teams[0].Concurrent || plan.Teams[1].Concurrent || !plan.Teams[3].Concurrent {
		t.Errorf("unexpected team concurrency flags: %+v", plan.Teams)
	}
}

func TestNormalizeSelection(t *testing.T) {
	got := NormalizeSelection([]string{"news", "bogus", "social", "news", "market"})
	want := []string{"social", "news"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NormalizeSelection = %v, want %v", got, want)
	}
	if got := NormalizeSelection(nil); got == nil || len(got) != 0 {
		t.Errorf("NormalizeSelection(nil) = %#v, want empty non-nil slice", got)
	}
}

func TestLookupStage(t *testing.T) {
	def, ok := LookupStage(StageResearchManager)
	if !ok {
		t.Fatal("research_manager not found")
	}
	if def.Team != "Research Team" {
		t.Errorf("team = %q", def.Team)
	}
	if def.Section != models.SectionInvestment {
		t.Errorf("section = %q", def.Section)
	}
	if def.Tier != models.ModelTierDeep {
		t.Errorf("tier = %q, want deep", def.Tier)
	}

	def, _ = LookupStage(StageBullResearcher)
	if def.Section != "" || def.Tier != models.ModelTierQuick {
		t.Errorf("bull researcher: section=%q tier=%q", def.Section, def.Tier)
	}

	if _, ok := LookupStage("nope"); ok {
		t.Error("unknown stage should not resolve")
	}
}

func TestTeams_ReturnsCopy(t *testing.T) {
	first := Teams()
	first[0].Stages[0].Name = "mutated"
	if Teams()[0].Stages[0].Name != StageMarket {
		t.Error("Teams() exposed registry internals")
	}
}
