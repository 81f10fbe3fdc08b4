package biz

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"pkgharvest/cmd/harvester/internal/domain"
)

// Step 一个纯函数转换步骤，keep 为 false 表示丢弃该记录。
// 步骤不得修改入参，需要改动时先 Clone。
type Step func(rec domain.Record) (out domain.Record, keep bool)

// TransformFunc 将抓取结果转换为可索引文档
type TransformFunc func(outcome domain.FetchOutcome) (doc domain.IndexDocument, keep bool, err error)

// Chain 依次组合转换步骤，任一步丢弃则整条记录丢弃
func Chain(steps ...Step) TransformFunc {
	return func(outcome domain.FetchOutcome) (domain.IndexDocument, bool, error) {
		if outcome.Payload == nil {
			return domain.IndexDocument{}, false, fmt.Errorf("transform %s: empty payload", outcome.ID)
		}
		rec := outcome.Payload
		for _, step := range steps {
			var keep bool
			rec, keep = step(rec)
			if !keep {
				return domain.IndexDocument{}, false, nil
			}
		}
		fields := rec.Clone()
		delete(fields, "id")
		return domain.IndexDocument{ID: outcome.ID, Fields: fields}, true, nil
	}
}

// DefaultSteps PyPI 记录的默认转换链
func DefaultSteps(registry string, classifiers []string) []Step {
	steps := []Step{
		CleanNulls("requires_dist", "classifiers", "keywords"),
		StripDownloads,
		NameSortable,
		VersionFields,
		FrameworkVersions,
		PythonVersions,
		RegistryTag(registry),
	}
	if len(classifiers) > 0 {
		steps = append([]Step{ClassifierFilter(classifiers...)}, steps...)
	}
	return steps
}

// CleanNulls 将空值替换为空字符串，listFields 中的字段替换为空列表
func CleanNulls(listFields ...string) Step {
	lists := make(map[string]struct{}, len(listFields))
	for _, f := range listFields {
		lists[f] = struct{}{}
	}
	return func(rec domain.Record) (domain.Record, bool) {
		out := rec.Clone()
		for k, v := range out {
			if v != nil {
				continue
			}
			if _, ok := lists[k]; ok {
				out[k] = []interface{}{}
			} else {
				out[k] = ""
			}
		}
		for f := range lists {
			if _, ok := out[f]; !ok {
				out[f] = []interface{}{}
			}
		}
		return out, true
	}
}

// StripDownloads 删除下载统计与分发文件摘要
func StripDownloads(rec domain.Record) (domain.Record, bool) {
	out := rec.Clone()
	delete(out, "downloads")
	urls, ok := out["urls"].([]interface{})
	if !ok {
		return out, true
	}
	cleaned := make([]interface{}, 0, len(urls))
	for _, u := range urls {
		m, ok := u.(map[string]interface{})
		if !ok {
			cleaned = append(cleaned, u)
			continue
		}
		c := make(map[string]interface{}, len(m))
		for k, v := range m {
			if k == "downloads" || k == "md5_digest" {
				continue
			}
			c[k] = v
		}
		cleaned = append(cleaned, c)
	}
	out["urls"] = cleaned
	return out, true
}

// NameSortable 复制 name 到可排序字段
func NameSortable(rec domain.Record) (domain.Record, bool) {
	out := rec.Clone()
	out["name_sortable"] = rec.String("name")
	return out, true
}

var versionPattern = regexp.MustCompile(`(?i)^(?P<major>\d*)\.(?P<minor>\d*)\.?(?P<postfix1>[a-zA-Z]+\d*)?(?P<bugfix>\d)?(?P<postfix2>[a-zA-Z]+\d*)?$`)

// VersionFields 拆分版本号为 major/minor/bugfix/postfix，并生成可排序字符串
//
// 可排序格式为 STABLE.MAJOR.MINOR.BUGFIX.PRETYPE.PRENUM，各段补零到 4 位。
// 正式版 STABLE=1，预发布版为 0，因此正式版总排在预发布版之前。
func VersionFields(rec domain.Record) (domain.Record, bool) {
	version := rec.String("version")
	if version == "" {
		return rec, true
	}
	out := rec.Clone()
	out["version_raw"] = version
	out["version_major"] = 0
	out["version_minor"] = 0
	out["version_bugfix"] = 0
	out["version_postfix"] = ""
	out["version_sortable"] = "0.0000.0000.0000.0000.0000"

	m := versionPattern.FindStringSubmatch(version)
	if m == nil {
		return out, true
	}
	groups := make(map[string]string, 5)
	for i, name := range versionPattern.SubexpNames() {
		if name != "" {
			groups[name] = m[i]
		}
	}

	for field, group := range map[string]string{
		"version_major":  "major",
		"version_minor":  "minor",
		"version_bugfix": "bugfix",
	} {
		if s := groups[group]; s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				return out, true
			}
			out[field] = n
		}
	}
	if p := groups["postfix1"]; p != "" {
		out["postfix"] = p
	}
	if p := groups["postfix2"]; p != "" {
		out["version_postfix"] = p
	}
	out["version_sortable"] = sortableVersion(groups)
	return out, true
}

func sortableVersion(groups map[string]string) string {
	postfix := groups["postfix1"]
	if postfix == "" {
		postfix = groups["postfix2"]
	}
	major := orZero(groups["major"])
	minor := orZero(groups["minor"])
	bugfix := orZero(groups["bugfix"])

	stable, preType, preNum := "1", "0000", "0"
	switch lower := strings.ToLower(postfix); {
	case lower == "":
	case strings.HasPrefix(lower, "a"):
		stable, preType, preNum = "0", "0001", digits(postfix)
	case strings.HasPrefix(lower, "b"):
		stable, preType, preNum = "0", "0002", digits(postfix)
	case strings.HasPrefix(lower, "rc"), strings.HasPrefix(lower, "c"):
		stable, preType, preNum = "0", "0003", digits(postfix)
	case strings.HasPrefix(lower, "dev"):
		stable, preType, preNum = "0", "0000", digits(postfix)
	}
	return fmt.Sprintf("%s.%s.%s.%s.%s.%s", stable, pad4(major), pad4(minor), pad4(bugfix), preType, pad4(preNum))
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

func digits(s string) string {
	var b strings.Builder
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	if b.Len() == 0 {
		return "0"
	}
	return b.String()
}

func pad4(s string) string {
	if len(s) >= 4 {
		return s
	}
	return strings.Repeat("0", 4-len(s)) + s
}

var (
	frameworkClassifier = regexp.MustCompile(`(?i)^Framework :: (?P<framework>\w+.*) :: (?P<version>\d+.*)$`)
	pythonClassifier    = regexp.MustCompile(`(?i)^Programming Language\s*::\s*(?P<python>\w+.*?)\s*::\s*(?P<version>\d+.*)$`)
)

// FrameworkVersions 从分类器提取 "Framework X" 形式的框架版本
func FrameworkVersions(rec domain.Record) (domain.Record, bool) {
	return classifierVersions(rec, "framework_versions", frameworkClassifier), true
}

// PythonVersions 从分类器提取 Python 版本
func PythonVersions(rec domain.Record) (domain.Record, bool) {
	return classifierVersions(rec, "python_versions", pythonClassifier), true
}

func classifierVersions(rec domain.Record, field string, re *regexp.Regexp) domain.Record {
	out := rec.Clone()
	versions := []interface{}{}
	for _, c := range rec.Strings("classifiers") {
		m := re.FindStringSubmatch(c)
		if m == nil {
			continue
		}
		versions = append(versions, m[1]+" "+m[2])
	}
	out[field] = versions
	return out
}

// ClassifierFilter 仅保留至少一个分类器以任一前缀开头的记录
func ClassifierFilter(prefixes ...string) Step {
	return func(rec domain.Record) (domain.Record, bool) {
		for _, c := range rec.Strings("classifiers") {
			for _, p := range prefixes {
				if strings.HasPrefix(c, p) {
					return rec, true
				}
			}
		}
		return rec, false
	}
}

// RegistryTag 标记记录来源注册表
func RegistryTag(registry string) Step {
	return func(rec domain.Record) (domain.Record, bool) {
		out := rec.Clone()
		out["registry"] = registry
		return out, true
	}
}
