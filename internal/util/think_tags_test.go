package util

import (
	"testing"
)

func TestContainsThinkTags(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		{
			name:     "has think tags",
			input:    "<think>Let me plan the copy</think>Welcome to the inn.",
			expected: true,
		},
		{
			name:     "has thinking tags",
			input:    "<thinking>Step by step</thinking>Final copy",
			expected: true,
		},
		{
			name:     "orphan closing tag",
			input:    "planning notes</think>Final copy",
			expected: true,
		},
		{
			name:     "no think tags",
			input:    "Just a regular description without any tags",
			expected: false,
		},
		{
			name:     "has Chinese think tags",
			input:    "<思考>让我想想</思考>答案",
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ContainsThinkTags(tt.input)
			if result != tt.expected {
				t.Errorf("ContainsThinkTags() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestStripThinkTags(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "single block",
			input:    "<think>draft</think>\n\nThe inn sits by the river.",
			expected: "The inn sits by the river.",
		},
		{
			name:     "multiple blocks",
			input:    "<think>a</think>First. <THINKING>b</THINKING>Second.",
			expected: "First. Second.",
		},
		{
			name:     "orphan closing tag drops preamble",
			input:    "I should mention the pier.\n</think>\nThe inn sits by the river.",
			expected: "The inn sits by the river.",
		},
		{
			name:     "Chinese tags",
			input:    "<思考>想想</思考>Final copy",
			expected: "Final copy",
		},
		{
			name:     "no tags",
			input:    "  Plain copy.  ",
			expected: "Plain copy.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := StripThinkTags(tt.input)
			if result != tt.expected {
				t.Errorf("StripThinkTags() = %q, want %q", result, tt.expected)
			}
		})
	}
}
