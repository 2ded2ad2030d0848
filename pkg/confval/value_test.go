package confval

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestFromGoAndEqual(t *testing.T) {
	a := MustFromGo(map[string]interface{}{
		"name":  "web",
		"ports": []interface{}{80, 443},
		"tags":  map[string]interface{}{"env": "prod"},
		"nil":   nil,
	})
	b, err := Parse([]byte(`{"tags":{"env":"prod"},"ports":[80,443],"nil":null,"name":"web"}`))
	require.NoError(t, err)

	assert.True(t, Equal(a, b))
	assert.Equal(t, KindMap, a.Kind())
	assert.Equal(t, []string{"name", "nil", "ports", "tags"}, a.Keys())

	ports, ok := a.Get("ports")
	require.True(t, ok)
	assert.Equal(t, 2, ports.Len())

	c := MustFromGo(map[string]interface{}{"name": "web", "ports": []interface{}{443, 80}})
	assert.False(t, Equal(a, c))
}

func TestCloneIsIndependent(t *testing.T) {
	orig := MustFromGo(map[string]interface{}{"a": map[string]interface{}{"b": 1}})
	cp := orig.Clone()
	require.True(t, Equal(orig, cp))

	inner, _ := cp.Get("a")
	inner.m["b"] = String("changed")

	got, _ := orig.Get("a")
	b, _ := got.Get("b")
	n, ok := b.AsNumber()
	assert.True(t, ok)
	assert.Equal(t, float64(1), n)
}

func TestJSONAndYAMLRoundTrip(t *testing.T) {
	var fromYAML Value
	require.NoError(t, yaml.Unmarshal([]byte("name: sg-1\nrules:\n  - port: 22\n    cidr: 0.0.0.0/0\n"), &fromYAML))

	data, err := json.Marshal(fromYAML)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"sg-1","rules":[{"port":22,"cidr":"0.0.0.0/0"}]}`, string(data))

	var fromJSON Value
	require.NoError(t, json.Unmarshal(data, &fromJSON))
	assert.True(t, Equal(fromYAML, fromJSON))
}

func TestHashIsKeyOrderIndependent(t *testing.T) {
	a, err := Parse([]byte(`{"x":1,"y":[1,2]}`))
	require.NoError(t, err)
	b, err := Parse([]byte(`{"y":[1,2],"x":1}`))
	require.NoError(t, err)
	assert.Equal(t, a.Hash(), b.Hash())
	assert.Equal(t, `{"x":1,"y":[1,2]}`, a.String())
}

func TestFromGoStruct(t *testing.T) {
	type rule struct {
		Port int    `json:"port"`
		CIDR string `json:"cidr"`
	}
	v, err := FromGo(&rule{Port: 22, CIDR: "10.0.0.0/8"})
	require.NoError(t, err)
	assert.Equal(t, `{"cidr":"10.0.0.0/8","port":22}`, v.String())

	var nilRule *rule
	v, err = FromGo(nilRule)
	require.NoError(t, err)
	assert.True(t, v.IsNull())
}

func TestLargeIntegersStayDistinct(t *testing.T) {
	a, err := Parse([]byte(`{"id":9007199254740993}`))
	require.NoError(t, err)
	b, err := Parse([]byte(`{"id":9007199254740992}`))
	require.NoError(t, err)

	assert.False(t, Equal(a, b))
	assert.NotEqual(t, a.Hash(), b.Hash())
	assert.Equal(t, `{"id":9007199254740993}`, a.String())

	var fromYAML Value
	require.NoError(t, yaml.Unmarshal([]byte("id: 9007199254740993\n"), &fromYAML))
	assert.True(t, Equal(a, fromYAML))

	id, _ := a.Get("id")
	bi, ok := id.AsBigInt()
	require.True(t, ok)
	assert.Equal(t, "9007199254740993", bi.String())
}

func TestNumberForms(t *testing.T) {
	tests := []struct {
		name  string
		a, b  string
		equal bool
	}{
		{"exponent is integral", `1e3`, `1000`, true},
		{"trailing zero fraction", `2.0`, `2`, true},
		{"fractions", `0.5`, `0.50`, true},
		{"integer and fraction", `1`, `1.5`, false},
		{"beyond uint64", `123456789012345678901234567890`, `123456789012345678901234567891`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := Parse([]byte(tt.a))
			require.NoError(t, err)
			b, err := Parse([]byte(tt.b))
			require.NoError(t, err)
			assert.Equal(t, tt.equal, Equal(a, b))
		})
	}

	assert.True(t, Equal(Number(22), Int(22)))
	assert.True(t, Equal(MustFromGo(uint64(math.MaxUint64)), MustFromGo(json.Number("18446744073709551615"))))
}

func TestParseRejectsTrailingData(t *testing.T) {
	_, err := Parse([]byte(`{"a":1} {"b":2}`))
	assert.Error(t, err)
}

func TestNonFiniteNumbersRejected(t *testing.T) {
	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := FromGo(map[string]interface{}{"x": f})
		assert.True(t, errors.Is(err, ErrNonFinite), "FromGo(%v) = %v", f, err)
	}

	for _, doc := range []string{"x: .nan\n", "x: .inf\n", "x: [1, -.inf]\n"} {
		var v Value
		err := yaml.Unmarshal([]byte(doc), &v)
		assert.True(t, errors.Is(err, ErrNonFinite), "yaml %q: %v", doc, err)
	}
}
