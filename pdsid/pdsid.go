// Package pdsid реализует модель логических идентификаторов PDS:
// LID (логический идентификатор), VID (версия) и LIDVID (LID с версией).
//
// Глубина LID определяет класс продукта: 4 сегмента — бандл, 5 — коллекция,
// 6 — обычный (неагрегатный) продукт. LIDVID уникально идентифицирует
// документ в реестре.
package pdsid

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedIdentifier — строка не является корректным LID/VID/LIDVID.
var ErrMalformedIdentifier = errors.New("pdsid: malformed identifier")

// ProductClass — класс продукта, выводимый из глубины LID.
type ProductClass int

const (
	ClassUnknown ProductClass = iota
	ClassBundle
	ClassCollection
	ClassBasicProduct
)

func (c ProductClass) String() string {
	switch c {
	case ClassBundle:
		return "bundle"
	case ClassCollection:
		return "collection"
	case ClassBasicProduct:
		return "basic"
	default:
		return "unknown"
	}
}

const (
	bundleSegmentCount     = 4
	collectionSegmentCount = 5
	basicSegmentCount      = 6
)

// Lid — логический идентификатор без версии.
type Lid struct {
	value string
}

// ParseLid разбирает строку вида "urn:nasa:pds:bundle:collection:product".
// Строка с версионным суффиксом ("::M.m") не является LID.
func ParseLid(s string) (Lid, error) {
	if s == "" {
		return Lid{}, fmt.Errorf("%w: empty LID string", ErrMalformedIdentifier)
	}
	if s != strings.TrimSpace(s) {
		return Lid{}, fmt.Errorf("%w: LID %q has surrounding whitespace", ErrMalformedIdentifier, s)
	}
	if strings.Contains(s, "::") {
		return Lid{}, fmt.Errorf("%w: LID %q contains a version suffix", ErrMalformedIdentifier, s)
	}

	segments := strings.Split(s, ":")
	if len(segments) > basicSegmentCount {
		return Lid{}, fmt.Errorf("%w: LID %q has %d segments (max %d)", ErrMalformedIdentifier, s, len(segments), basicSegmentCount)
	}
	for _, segment := range segments {
		if segment == "" {
			return Lid{}, fmt.Errorf("%w: LID %q contains an empty segment", ErrMalformedIdentifier, s)
		}
	}

	return Lid{value: s}, nil
}

func (l Lid) String() string { return l.value }

// IsZero сообщает, что значение не было инициализировано через ParseLid.
func (l Lid) IsZero() bool { return l.value == "" }

func (l Lid) segments() []string { return strings.Split(l.value, ":") }

// Class возвращает класс продукта по глубине LID.
func (l Lid) Class() ProductClass {
	switch len(l.segments()) {
	case bundleSegmentCount:
		return ClassBundle
	case collectionSegmentCount:
		return ClassCollection
	case basicSegmentCount:
		return ClassBasicProduct
	default:
		return ClassUnknown
	}
}

func (l Lid) IsBundle() bool       { return l.Class() == ClassBundle }
func (l Lid) IsCollection() bool   { return l.Class() == ClassCollection }
func (l Lid) IsBasicProduct() bool { return l.Class() == ClassBasicProduct }

// Parent возвращает LID на один уровень выше (без последнего сегмента).
func (l Lid) Parent() (Lid, error) {
	segments := l.segments()
	if len(segments) < 2 {
		return Lid{}, fmt.Errorf("pdsid: LID %q has no parent", l.value)
	}
	return Lid{value: strings.Join(segments[:len(segments)-1], ":")}, nil
}

// Compare упорядочивает LID лексикографически.
func (l Lid) Compare(other Lid) int { return strings.Compare(l.value, other.value) }

// Vid — версия продукта major.minor.
type Vid struct {
	Major int
	Minor int
}

// ParseVid разбирает строку вида "1.0". Компоненты — неотрицательные целые;
// сравнение всегда числовое, а не лексикографическое.
func ParseVid(s string) (Vid, error) {
	if s != strings.TrimSpace(s) {
		return Vid{}, fmt.Errorf("%w: VID %q has surrounding whitespace", ErrMalformedIdentifier, s)
	}
	chunks := strings.Split(s, ".")
	if len(chunks) != 2 {
		return Vid{}, fmt.Errorf("%w: VID %q must have form <major>.<minor>", ErrMalformedIdentifier, s)
	}

	major, err := strconv.Atoi(chunks[0])
	if err != nil {
		return Vid{}, fmt.Errorf("%w: non-numeric major version in %q", ErrMalformedIdentifier, s)
	}
	minor, err := strconv.Atoi(chunks[1])
	if err != nil {
		return Vid{}, fmt.Errorf("%w: non-numeric minor version in %q", ErrMalformedIdentifier, s)
	}
	if major < 0 || minor < 0 {
		return Vid{}, fmt.Errorf("%w: negative version component in %q", ErrMalformedIdentifier, s)
	}

	return Vid{Major: major, Minor: minor}, nil
}

func (v Vid) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// Compare упорядочивает версии по (major, minor).
func (v Vid) Compare(other Vid) int {
	if v.Major != other.Major {
		if v.Major < other.Major {
			return -1
		}
		return 1
	}
	if v.Minor != other.Minor {
		if v.Minor < other.Minor {
			return -1
		}
		return 1
	}
	return 0
}

// LidVid — версионированный идентификатор "<LID>::<major>.<minor>".
type LidVid struct {
	Lid Lid
	Vid Vid
}

// ParseLidVid разбирает строку вида "urn:nasa:pds:bundle::1.0".
func ParseLidVid(s string) (LidVid, error) {
	if s != strings.TrimSpace(s) {
		return LidVid{}, fmt.Errorf("%w: LIDVID %q has surrounding whitespace", ErrMalformedIdentifier, s)
	}
	chunks := strings.Split(s, "::")
	if len(chunks) != 2 {
		return LidVid{}, fmt.Errorf("%w: LIDVID %q must have form <lid>::<vid>", ErrMalformedIdentifier, s)
	}

	lid, err := ParseLid(chunks[0])
	if err != nil {
		return LidVid{}, err
	}
	vid, err := ParseVid(chunks[1])
	if err != nil {
		return LidVid{}, err
	}

	return LidVid{Lid: lid, Vid: vid}, nil
}

func (lv LidVid) String() string { return lv.Lid.String() + "::" + lv.Vid.String() }

func (lv LidVid) IsZero() bool { return lv.Lid.IsZero() }

// Compare упорядочивает LIDVID: сначала LID лексикографически, затем
// версия численно.
func (lv LidVid) Compare(other LidVid) int {
	if c := lv.Lid.Compare(other.Lid); c != 0 {
		return c
	}
	return lv.Vid.Compare(other.Vid)
}

// Ref — распознанный идентификатор продукта: либо конкретный LIDVID, либо
// только LID (ссылка на все версии продукта).
type Ref struct {
	LidVid LidVid
	HasVid bool
}

// ParseRef — фабрика: строка с "::" разбирается как LIDVID, иначе как LID.
func ParseRef(s string) (Ref, error) {
	if strings.Contains(s, "::") {
		lidvid, err := ParseLidVid(s)
		if err != nil {
			return Ref{}, err
		}
		return Ref{LidVid: lidvid, HasVid: true}, nil
	}

	lid, err := ParseLid(s)
	if err != nil {
		return Ref{}, err
	}
	return Ref{LidVid: LidVid{Lid: lid}}, nil
}

// Lid возвращает LID-часть ссылки независимо от её вида.
func (r Ref) Lid() Lid { return r.LidVid.Lid }

func (r Ref) String() string {
	if r.HasVid {
		return r.LidVid.String()
	}
	return r.LidVid.Lid.String()
}
