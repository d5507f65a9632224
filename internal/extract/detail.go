package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// descriptionSelectors 按优先级列出详情页描述所在的节点。
var descriptionSelectors = []string{
	`div[data-marker="item-description-text"]`,
	`.item-description-text`,
	`.item-description`,
	`[data-marker="item-description"]`,
}

// 雇佣类型和经验要求的关键词，按顺序匹配，先命中者生效。
var (
	employmentRules = []keywordRule{
		// "неполный день" 包含 "полный день"，兼职规则必须排在前面
		{"Частичная занятость", []string{"частичная занятость", "неполный день", "неполная", "частичная"}},
		{"Полная занятость", []string{"полная занятость", "полный день", "полная"}},
		{"Удаленная работа", []string{"удаленно", "удаленная работа", "remote"}},
	}
	experienceRules = []keywordRule{
		{"Без опыта", []string{"без опыта", "опыт не требуется"}},
		{"1-3 года", []string{"1-3 года", "от 1 года", "1 год"}},
		{"3-6 лет", []string{"3-6 лет", "от 3 лет"}},
		{"Более 6 лет", []string{"от 6 лет", "более 6 лет"}},
	}
)

type keywordRule struct {
	label string
	words []string
}

// Detail 是详情页中解析出的补充信息。
type Detail struct {
	Description     string
	EmploymentType  string
	ExperienceLevel string
}

// ParseDetail 解析详情页 HTML。
//
// fallback 是列表页上的短描述，详情页没有描述节点时用它推断雇佣类型和经验要求。
func ParseDetail(raw []byte, fallback string) (Detail, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return Detail{}, fmt.Errorf("parse detail html: %w", err)
	}

	var d Detail
	for _, sel := range descriptionSelectors {
		if node := doc.Find(sel).First(); node.Length() > 0 {
			d.Description = strings.Join(strings.Fields(node.Text()), " ")
			break
		}
	}

	text := d.Description
	if text == "" {
		text = fallback
	}
	d.EmploymentType, d.ExperienceLevel = ClassifyJob(text)
	return d, nil
}

// ClassifyJob 从描述文本中推断雇佣类型和经验要求，无法判断时返回空字符串。
func ClassifyJob(text string) (employment, experience string) {
	text = strings.ToLower(text)
	return matchRule(text, employmentRules), matchRule(text, experienceRules)
}

func matchRule(text string, rules []keywordRule) string {
	for _, r := range rules {
		for _, w := range r.words {
			if strings.Contains(text, w) {
				return r.label
			}
		}
	}
	return ""
}
