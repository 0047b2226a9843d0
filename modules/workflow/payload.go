package workflow

import (
	"strings"

	"quel-tryon-client/modules/common/model"
)

// Field - one user input slot of a payload
type Field string

const (
	FieldSelfImage          Field = "selfImage"
	FieldSelectedAvatar     Field = "selectedAvatar"
	FieldGarmentImage       Field = "garmentImage"
	FieldGarmentDescription Field = "garmentDescription"
	FieldGarmentCategory    Field = "garmentCategory"
	FieldProductImage       Field = "productImage"
	FieldProductName        Field = "productName"
	FieldModelPreference    Field = "modelPreference"
	FieldFashionDescription Field = "fashionDescription"
	FieldFashionStyle       Field = "fashionStyle"
	FieldFaceImage          Field = "faceImage"
	FieldBodyImage          Field = "bodyImage"
	FieldAvatarName         Field = "avatarName"
)

// Group - exclusive group; at most one member may be non-null. GroupNone marks
// fields that are not exclusive with anything.
type Group string

const (
	GroupNone    Group = ""
	GroupPerson  Group = "person"
	GroupGarment Group = "garment"
)

var fieldGroups = map[Field]Group{
	FieldSelfImage:          GroupPerson,
	FieldSelectedAvatar:     GroupPerson,
	FieldGarmentImage:       GroupGarment,
	FieldGarmentDescription: GroupGarment,
}

// GroupOf returns the exclusive group of a field.
func GroupOf(f Field) Group {
	return fieldGroups[f]
}

// Members lists the fields of an exclusive group.
func (g Group) Members() []Field {
	if g == GroupNone {
		return nil
	}
	var out []Field
	for f, fg := range fieldGroups {
		if fg == g {
			out = append(out, f)
		}
	}
	return out
}

// Payload - kind-specific draft input. Exactly one variant per JobKind.
type Payload interface {
	Kind() model.JobKind
	// Missing names the unmet requirements; empty means the payload can be submitted.
	Missing() []string
	// Get returns the field value; ok is false when the field does not belong to the kind.
	Get(f Field) (value *string, ok bool)
	set(f Field, value *string) bool
	clone() Payload
}

// NewPayload - empty initial payload for the kind
func NewPayload(kind model.JobKind) Payload {
	switch kind {
	case model.KindClassic:
		return &ClassicPayload{}
	case model.KindProductToModel:
		return &ProductToModelPayload{}
	case model.KindTextToFashion:
		return &TextToFashionPayload{}
	case model.KindAvatarCreation:
		return &AvatarCreationPayload{}
	}
	return nil
}

// IsValid - pure predicate over the payload
func IsValid(p Payload) bool {
	return p != nil && len(p.Missing()) == 0
}

// ClassicPayload - person photo or saved avatar, plus a garment photo or description
type ClassicPayload struct {
	SelfImage          *string `json:"selfImage,omitempty"`
	SelectedAvatar     *string `json:"selectedAvatar,omitempty"`
	GarmentImage       *string `json:"garmentImage,omitempty"`
	GarmentDescription *string `json:"garmentDescription,omitempty"`
	GarmentCategory    *string `json:"garmentCategory,omitempty"`
}

func (p *ClassicPayload) Kind() model.JobKind { return model.KindClassic }

func (p *ClassicPayload) Missing() []string {
	var missing []string
	if !present(p.SelfImage) && !present(p.SelectedAvatar) {
		missing = append(missing, "self image or avatar")
	}
	if !present(p.GarmentImage) && !nonBlank(p.GarmentDescription) {
		missing = append(missing, "garment image or description")
	}
	return missing
}

func (p *ClassicPayload) Get(f Field) (*string, bool) {
	if ptr := p.slot(f); ptr != nil {
		return *ptr, true
	}
	return nil, false
}

func (p *ClassicPayload) set(f Field, v *string) bool {
	ptr := p.slot(f)
	if ptr == nil {
		return false
	}
	*ptr = v
	return true
}

func (p *ClassicPayload) slot(f Field) **string {
	switch f {
	case FieldSelfImage:
		return &p.SelfImage
	case FieldSelectedAvatar:
		return &p.SelectedAvatar
	case FieldGarmentImage:
		return &p.GarmentImage
	case FieldGarmentDescription:
		return &p.GarmentDescription
	case FieldGarmentCategory:
		return &p.GarmentCategory
	}
	return nil
}

func (p *ClassicPayload) clone() Payload {
	c := ClassicPayload{
		SelfImage:          copyStr(p.SelfImage),
		SelectedAvatar:     copyStr(p.SelectedAvatar),
		GarmentImage:       copyStr(p.GarmentImage),
		GarmentDescription: copyStr(p.GarmentDescription),
		GarmentCategory:    copyStr(p.GarmentCategory),
	}
	return &c
}

// ProductToModelPayload - product shot rendered on a generated model
type ProductToModelPayload struct {
	ProductImage    *string `json:"productImage,omitempty"`
	ProductName     *string `json:"productName,omitempty"`
	ModelPreference *string `json:"modelPreference,omitempty"`
}

func (p *ProductToModelPayload) Kind() model.JobKind { return model.KindProductToModel }

func (p *ProductToModelPayload) Missing() []string {
	var missing []string
	if !present(p.ProductImage) {
		missing = append(missing, "product image")
	}
	if !nonBlank(p.ProductName) {
		missing = append(missing, "product name")
	}
	return missing
}

func (p *ProductToModelPayload) Get(f Field) (*string, bool) {
	if ptr := p.slot(f); ptr != nil {
		return *ptr, true
	}
	return nil, false
}

func (p *ProductToModelPayload) set(f Field, v *string) bool {
	ptr := p.slot(f)
	if ptr == nil {
		return false
	}
	*ptr = v
	return true
}

func (p *ProductToModelPayload) slot(f Field) **string {
	switch f {
	case FieldProductImage:
		return &p.ProductImage
	case FieldProductName:
		return &p.ProductName
	case FieldModelPreference:
		return &p.ModelPreference
	}
	return nil
}

func (p *ProductToModelPayload) clone() Payload {
	c := ProductToModelPayload{
		ProductImage:    copyStr(p.ProductImage),
		ProductName:     copyStr(p.ProductName),
		ModelPreference: copyStr(p.ModelPreference),
	}
	return &c
}

// TextToFashionPayload - garment generated from a description
type TextToFashionPayload struct {
	FashionDescription *string `json:"fashionDescription,omitempty"`
	FashionStyle       *string `json:"fashionStyle,omitempty"`
}

func (p *TextToFashionPayload) Kind() model.JobKind { return model.KindTextToFashion }

func (p *TextToFashionPayload) Missing() []string {
	if !nonBlank(p.FashionDescription) {
		return []string{"fashion description"}
	}
	return nil
}

func (p *TextToFashionPayload) Get(f Field) (*string, bool) {
	if ptr := p.slot(f); ptr != nil {
		return *ptr, true
	}
	return nil, false
}

func (p *TextToFashionPayload) set(f Field, v *string) bool {
	ptr := p.slot(f)
	if ptr == nil {
		return false
	}
	*ptr = v
	return true
}

func (p *TextToFashionPayload) slot(f Field) **string {
	switch f {
	case FieldFashionDescription:
		return &p.FashionDescription
	case FieldFashionStyle:
		return &p.FashionStyle
	}
	return nil
}

func (p *TextToFashionPayload) clone() Payload {
	c := TextToFashionPayload{
		FashionDescription: copyStr(p.FashionDescription),
		FashionStyle:       copyStr(p.FashionStyle),
	}
	return &c
}

// AvatarCreationPayload - reusable avatar built from a face photo
type AvatarCreationPayload struct {
	FaceImage  *string `json:"faceImage,omitempty"`
	BodyImage  *string `json:"bodyImage,omitempty"`
	AvatarName *string `json:"avatarName,omitempty"`
}

func (p *AvatarCreationPayload) Kind() model.JobKind { return model.KindAvatarCreation }

func (p *AvatarCreationPayload) Missing() []string {
	if !present(p.FaceImage) {
		return []string{"face image"}
	}
	return nil
}

func (p *AvatarCreationPayload) Get(f Field) (*string, bool) {
	if ptr := p.slot(f); ptr != nil {
		return *ptr, true
	}
	return nil, false
}

func (p *AvatarCreationPayload) set(f Field, v *string) bool {
	ptr := p.slot(f)
	if ptr == nil {
		return false
	}
	*ptr = v
	return true
}

func (p *AvatarCreationPayload) slot(f Field) **string {
	switch f {
	case FieldFaceImage:
		return &p.FaceImage
	case FieldBodyImage:
		return &p.BodyImage
	case FieldAvatarName:
		return &p.AvatarName
	}
	return nil
}

func (p *AvatarCreationPayload) clone() Payload {
	c := AvatarCreationPayload{
		FaceImage:  copyStr(p.FaceImage),
		BodyImage:  copyStr(p.BodyImage),
		AvatarName: copyStr(p.AvatarName),
	}
	return &c
}

// present - non-null reference (image URIs)
func present(s *string) bool {
	return s != nil && *s != ""
}

// nonBlank - non-null text with at least one non-space character
func nonBlank(s *string) bool {
	return s != nil && strings.TrimSpace(*s) != ""
}

func copyStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
