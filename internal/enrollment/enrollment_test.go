package enrollment

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		rows int
		want Status
	}{
		{name: "no active rows", rows: 0, want: StatusNotEnrolled},
		{name: "one active row", rows: 1, want: StatusActive},
		{name: "two active rows is ambiguous", rows: 2, want: StatusAmbiguous},
		{name: "many active rows is ambiguous", rows: 7, want: StatusAmbiguous},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.rows); got != tt.want {
				t.Errorf("classify(%d) = %v, want %v", tt.rows, got, tt.want)
			}
		})
	}
}
