package ast

import (
	"testing"

	"github.com/apxrmf/apxd/internal/apxerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scalarElement(t BaseType) *DataElement {
	return &DataElement{BaseType: t}
}

func TestFinalizePackLenScalar(t *testing.T) {
	node := NewNode("Node")
	port := &Port{Name: "GearSelectionMode", Element: scalarElement(U8), Attributes: &PortAttributes{}}
	node.RequirePorts = append(node.RequirePorts, port)

	require.NoError(t, Finalize(node))
	assert.Equal(t, uint32(1), port.PackLen)
	assert.Equal(t, `"GearSelectionMode"C`, port.DerivedSignature)
	assert.Equal(t, 0, port.PortID)
}

func TestFinalizeRecordPackLen(t *testing.T) {
	node := NewNode("Node")
	rec := &DataElement{
		BaseType: RecordType,
		Children: []*DataElement{
			{Name: "DTCId", BaseType: U16},
			{Name: "FTB", BaseType: U8},
		},
	}
	port := &Port{Name: "DTC", Element: rec, Attributes: &PortAttributes{}}
	node.ProvidePorts = append(node.ProvidePorts, port)

	require.NoError(t, Finalize(node))
	assert.Equal(t, uint32(3), port.PackLen)
	assert.Equal(t, `"DTC"{"DTCId"S"FTB"C}`, port.DerivedSignature)
}

func TestFinalizeDynamicArrayPackLen(t *testing.T) {
	node := NewNode("Node")
	el := &DataElement{BaseType: U8, IsArray: true, IsDynamicArray: true, ArrayLen: 32}
	port := &Port{Name: "Samples", Element: el, Attributes: &PortAttributes{}}
	node.ProvidePorts = append(node.ProvidePorts, port)

	require.NoError(t, Finalize(node))
	// 32 bytes of payload + 1-byte length header (max fits in a byte).
	assert.Equal(t, uint32(33), port.PackLen)
	assert.Equal(t, `"Samples"C[*]`, port.DerivedSignature)
}

func TestFinalizeReferenceFormsAgree(t *testing.T) {
	node := NewNode("Node")
	recordShape := &DataElement{
		BaseType: RecordType,
		Children: []*DataElement{
			{Name: "DTCId", BaseType: U16},
			{Name: "FTB", BaseType: U8},
		},
	}
	typ := &DataType{Name: "DTCRecord_t", Element: recordShape, Line: 2}
	require.True(t, node.AddType(typ))

	byIndex := &Port{Name: "A", Element: &DataElement{BaseType: RefIndex, RefID: 0}, Attributes: &PortAttributes{}}
	byName := &Port{Name: "B", Element: &DataElement{BaseType: RefName, RefName: "DTCRecord_t"}, Attributes: &PortAttributes{}}
	inlined := &Port{Name: "C", Element: &DataElement{
		BaseType: RecordType,
		Children: []*DataElement{
			{Name: "DTCId", BaseType: U16},
			{Name: "FTB", BaseType: U8},
		},
	}, Attributes: &PortAttributes{}}

	node.ProvidePorts = append(node.ProvidePorts, byIndex, byName, inlined)
	require.NoError(t, Finalize(node))

	wantSig := `{"DTCId"S"FTB"C}`
	assert.Equal(t, `"A"`+wantSig, byIndex.DerivedSignature)
	assert.Equal(t, `"B"`+wantSig, byName.DerivedSignature)
	assert.Equal(t, `"C"`+wantSig, inlined.DerivedSignature)
	assert.Equal(t, byIndex.PackLen, inlined.PackLen)
	assert.Equal(t, byName.PackLen, inlined.PackLen)
}

func TestFinalizeDetectsCycle(t *testing.T) {
	node := NewNode("Node")
	a := &DataType{Name: "A", Element: &DataElement{BaseType: RefName, RefName: "B"}, Line: 2}
	b := &DataType{Name: "B", Element: &DataElement{BaseType: RefName, RefName: "A"}, Line: 3}
	require.True(t, node.AddType(a))
	require.True(t, node.AddType(b))

	port := &Port{Name: "P", Element: &DataElement{BaseType: RefName, RefName: "A"}, Attributes: &PortAttributes{}}
	node.RequirePorts = append(node.RequirePorts, port)

	err := Finalize(node)
	require.Error(t, err)
	assert.True(t, apxerr.Is(err, apxerr.InvalidTypeRef))
}

func TestFinalizeUnknownTypeName(t *testing.T) {
	node := NewNode("Node")
	port := &Port{Name: "P", Element: &DataElement{BaseType: RefName, RefName: "Missing"}, Attributes: &PortAttributes{}}
	node.RequirePorts = append(node.RequirePorts, port)

	err := Finalize(node)
	require.Error(t, err)
	assert.True(t, apxerr.Is(err, apxerr.InvalidTypeRef))
}

func TestLengthWidth(t *testing.T) {
	assert.Equal(t, 1, LengthWidth(0))
	assert.Equal(t, 1, LengthWidth(255))
	assert.Equal(t, 2, LengthWidth(256))
	assert.Equal(t, 2, LengthWidth(65535))
	assert.Equal(t, 4, LengthWidth(65536))
}
