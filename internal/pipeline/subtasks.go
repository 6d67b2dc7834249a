package pipeline

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/kenkyu/internal/locale"
	"github.com/ashita-ai/kenkyu/internal/model"
)

// Planned subtask counts per stage.
const (
	MinSubtasks = 4
	MaxSubtasks = 8
)

var fallbackPlans = map[model.Stage][][2]string{
	model.StageReview: {
		{"Clarify research scope and constraints", "明确研究范围与约束"},
		{"Collect representative literature", "收集代表性文献"},
		{"Compare methods and identify gaps", "对比方法并识别空白"},
		{"Draft survey and hand off to ideation", "整理综述并交接给 ideation"},
	},
	model.StageIdeation: {
		{"Extract actionable constraints from survey", "从综述中提炼可执行约束"},
		{"Generate candidate research ideas", "生成候选研究构思"},
		{"Evaluate risks and expected metrics", "评估风险与预期指标"},
		{"Finalize ideas and hand off to experiment", "固化方案并交接给 experiment"},
	},
	model.StageExperiment: {
		{"Convert ideas into experiment plan", "将构思转成实验计划"},
		{"Prepare metrics and baseline assumptions", "准备指标与基线假设"},
		{"Run simulation and collect outputs", "执行模拟并收集输出"},
		{"Summarize results and produce report", "汇总结果并输出报告"},
	},
	model.StageFeedback: {
		{"Review experiment outcomes", "审阅实验结果"},
		{"Identify what to keep or change", "识别保留项与调整项"},
		{"Define next-iteration validation plan", "定义下一轮验证计划"},
		{"Publish feedback loop summary", "发布反馈闭环总结"},
	},
}

// fallbackSubtasks returns the fixed four-step plan for stage in loc.
func fallbackSubtasks(stage model.Stage, loc locale.Locale) []model.Subtask {
	names := fallbackPlans[stage]
	out := make([]model.Subtask, len(names))
	for i, n := range names {
		out[i] = model.Subtask{
			ID:     fmt.Sprintf("%s-%d", stage, i+1),
			Name:   loc.Pick(n[0], n[1]),
			Status: model.SubtaskPending,
		}
	}
	return out
}

// normalizeSubtasks turns a provider-supplied plan into 4 to 8 pending
// subtasks. Entries without a name are dropped, missing ids are derived
// from the entry position, and short plans are padded from fallback.
func normalizeSubtasks(raw any, fallback []model.Subtask, stage model.Stage) []model.Subtask {
	var out []model.Subtask
	if items, ok := raw.([]any); ok {
		for i, item := range items {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			name, _ := obj["name"].(string)
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			id, _ := obj["id"].(string)
			id = strings.TrimSpace(id)
			if id == "" {
				id = fmt.Sprintf("%s-%d", stage, i+1)
			}
			out = append(out, model.Subtask{ID: id, Name: name})
		}
	}

	if len(out) < MinSubtasks {
		seen := make(map[string]bool, len(out))
		for _, s := range out {
			seen[s.ID] = true
		}
		for _, f := range fallback {
			if len(out) >= MinSubtasks {
				break
			}
			if seen[f.ID] {
				continue
			}
			out = append(out, f)
			seen[f.ID] = true
		}
	}
	if len(out) > MaxSubtasks {
		out = out[:MaxSubtasks]
	}
	for i := range out {
		out[i].Status = model.SubtaskPending
		out[i].Progress = 0
	}
	return out
}

// patchSubtask returns a copy of subtasks with entry i set to status. An
// explicit progress is clamped to [0,1]; without one, completed implies 1.0
// and failed keeps the current progress. Out-of-range indexes leave the copy
// unchanged.
func patchSubtask(subtasks []model.Subtask, i int, status model.SubtaskStatus, progress ...float64) []model.Subtask {
	next := make([]model.Subtask, len(subtasks))
	copy(next, subtasks)
	if i < 0 || i >= len(next) {
		return next
	}
	next[i].Status = status
	switch {
	case len(progress) > 0:
		next[i].Progress = clamp01(progress[0])
	case status == model.SubtaskCompleted:
		next[i].Progress = 1
	case status == model.SubtaskFailed:
		next[i].Progress = clamp01(next[i].Progress)
	}
	return next
}

// completeFrom marks entry i and every later entry completed.
func completeFrom(subtasks []model.Subtask, i int) []model.Subtask {
	next := patchSubtask(subtasks, i, model.SubtaskCompleted)
	for j := i + 1; j < len(next); j++ {
		next = patchSubtask(next, j, model.SubtaskCompleted, 1)
	}
	return next
}

// failRunning returns a copy with every running entry marked failed.
func failRunning(subtasks []model.Subtask) []model.Subtask {
	next := make([]model.Subtask, len(subtasks))
	copy(next, subtasks)
	for i := range next {
		if next[i].Status == model.SubtaskRunning {
			next[i].Status = model.SubtaskFailed
		}
	}
	return next
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}
