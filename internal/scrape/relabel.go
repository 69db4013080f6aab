// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: June 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scrape

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/common/model"
)

// RelabelConfig is one step of a job's relabel pipeline, following the
// conventional action set.
type RelabelConfig struct {
	SourceLabels []string `json:"source_labels"`
	Separator    string   `json:"separator"`
	Regex        string   `json:"regex"`
	Modulus      uint64   `json:"modulus"`
	TargetLabel  string   `json:"target_label"`
	Replacement  string   `json:"replacement"`
	Action       string   `json:"action"`

	re *regexp.Regexp
}

func (c *RelabelConfig) init() error {
	if c.Action == "" {
		c.Action = "replace"
	}
	if c.Separator == "" {
		c.Separator = ";"
	}
	if c.Regex == "" {
		c.Regex = "(.*)"
	}
	if c.Replacement == "" {
		c.Replacement = "$1"
	}
	re, err := regexp.Compile("^(?:" + c.Regex + ")$")
	if err != nil {
		return fmt.Errorf("relabel config: invalid regex %q: %w", c.Regex, err)
	}
	c.re = re
	return nil
}

// Process applies the relabel pipeline. The boolean is false when the target
// is dropped.
func Process(labels model.LabelSet, configs []RelabelConfig) (model.LabelSet, bool) {
	out := labels.Clone()
	for i := range configs {
		var keep bool
		out, keep = relabel(out, &configs[i])
		if !keep {
			return nil, false
		}
	}
	return out, true
}

func relabel(labels model.LabelSet, cfg *RelabelConfig) (model.LabelSet, bool) {
	values := make([]string, 0, len(cfg.SourceLabels))
	for _, name := range cfg.SourceLabels {
		values = append(values, string(labels[model.LabelName(name)]))
	}
	val := strings.Join(values, cfg.Separator)

	switch cfg.Action {
	case "drop":
		if cfg.re.MatchString(val) {
			return nil, false
		}
	case "keep":
		if !cfg.re.MatchString(val) {
			return nil, false
		}
	case "replace":
		indexes := cfg.re.FindStringSubmatchIndex(val)
		if indexes == nil {
			break
		}
		target := model.LabelName(cfg.re.ExpandString(nil, cfg.TargetLabel, val, indexes))
		if !target.IsValid() {
			delete(labels, model.LabelName(cfg.TargetLabel))
			break
		}
		res := cfg.re.ExpandString(nil, cfg.Replacement, val, indexes)
		if len(res) == 0 {
			delete(labels, target)
			break
		}
		labels[target] = model.LabelValue(res)
	case "hashmod":
		mod := xxhash.Sum64String(val) % cfg.Modulus
		labels[model.LabelName(cfg.TargetLabel)] = model.LabelValue(strconv.FormatUint(mod, 10))
	case "labelmap":
		for name, value := range labels {
			if cfg.re.MatchString(string(name)) {
				res := cfg.re.ReplaceAllString(string(name), cfg.Replacement)
				labels[model.LabelName(res)] = value
			}
		}
	case "labeldrop":
		for name := range labels {
			if cfg.re.MatchString(string(name)) {
				delete(labels, name)
			}
		}
	case "labelkeep":
		for name := range labels {
			if !cfg.re.MatchString(string(name)) {
				delete(labels, name)
			}
		}
	}
	return labels, true
}

// RemoveMetaLabels strips the __-prefixed synthetic labels after relabeling.
func RemoveMetaLabels(labels model.LabelSet) model.LabelSet {
	for name := range labels {
		if strings.HasPrefix(string(name), "__") {
			delete(labels, name)
		}
	}
	return labels
}
