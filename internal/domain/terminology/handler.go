package terminology

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/termserver/internal/platform/fhir"
	"github.com/ehr/termserver/pkg/pagination"
)

// DesignationUseContextURL is the extension carrying per-dialect
// acceptability on expansion designations.
const DesignationUseContextURL = "http://snomed.info/fhir/StructureDefinition/designation-use-context"

// Handler provides the FHIR terminology operation endpoints.
type Handler struct {
	svc      *Service
	validate *validator.Validate
}

// NewHandler creates a new terminology handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc, validate: validator.New()}
}

// RegisterRoutes registers the terminology operations on the FHIR group.
// Every operation accepts GET with query parameters and POST with a
// Parameters body.
func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	routes := map[string]echo.HandlerFunc{
		"/CodeSystem/$lookup":        h.Lookup,
		"/CodeSystem/$validate-code": h.ValidateCodeSystem,
		"/CodeSystem/$subsumes":      h.Subsumes,
		"/ValueSet/$validate-code":   h.ValidateValueSet,
		"/ValueSet/$expand":          h.Expand,
	}
	for path, fn := range routes {
		fhirGroup.GET(path, fn)
		fhirGroup.POST(path, fn)
	}
	fhirGroup.GET("/metadata", h.Metadata)
}

// operationInput reads operation parameters from a POSTed Parameters body,
// falling back to the query string.
type operationInput struct {
	params *fhir.Parameters
	c      echo.Context
}

func readInput(c echo.Context) (*operationInput, error) {
	in := &operationInput{c: c}
	if c.Request().Method != http.MethodPost || c.Request().Body == nil {
		return in, nil
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return in, nil
	}
	p, err := fhir.DecodeParameters(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	in.params = p
	return in, nil
}

func (in *operationInput) get(name string) string {
	if in.params != nil {
		if v := in.params.Lookup(name); v != "" {
			return v
		}
	}
	return in.c.QueryParam(name)
}

func (in *operationInput) coding(name string) *fhir.Coding {
	if in.params == nil {
		return nil
	}
	if prm, ok := in.params.Get(name); ok {
		return prm.ValueCoding
	}
	return nil
}

// valueSetResource is the part of a ValueSet resource the operations read.
type valueSetResource struct {
	ResourceType string   `json:"resourceType"`
	URL          string   `json:"url,omitempty"`
	Compose      *Compose `json:"compose,omitempty"`
}

// valueSet returns the inline ValueSet passed as the valueSet parameter.
func (in *operationInput) valueSet() (*valueSetResource, error) {
	var raw []byte
	if in.params != nil {
		if prm, ok := in.params.Get("valueSet"); ok {
			raw = prm.Resource
		}
	}
	if len(raw) == 0 {
		if q := in.c.QueryParam("valueSet"); q != "" {
			raw = []byte(q)
		}
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var vs valueSetResource
	if err := json.Unmarshal(raw, &vs); err != nil {
		return nil, fmt.Errorf("decode valueSet: %w", err)
	}
	if vs.ResourceType != "" && vs.ResourceType != "ValueSet" {
		return nil, fmt.Errorf("valueSet must be a ValueSet resource, got %q", vs.ResourceType)
	}
	if vs.Compose == nil {
		return nil, fmt.Errorf("valueSet has no compose")
	}
	return &vs, nil
}

// page reads count and offset from the body, or from the query string where
// the _count and _offset aliases are also accepted.
func (in *operationInput) page() (pagination.Params, error) {
	if in.params == nil {
		return pagination.FromContext(in.c)
	}
	return pagination.Parse(in.get("count"), in.get("offset"))
}

func parseBool(name, v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be true or false", name)
	}
	return b, nil
}

// Lookup handles GET|POST /fhir/CodeSystem/$lookup.
func (h *Handler) Lookup(c echo.Context) error {
	in, err := readInput(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("Parameters", err.Error()))
	}
	req := LookupRequest{
		System:          in.get("system"),
		Code:            in.get("code"),
		Version:         in.get("version"),
		DisplayLanguage: in.get("displayLanguage"),
	}
	if cd := in.coding("coding"); cd != nil {
		req.System, req.Code = cd.System, cd.Code
	}
	if err := h.check(req); err != nil {
		return c.JSON(http.StatusBadRequest, err)
	}

	res, err := h.svc.Lookup(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, lookupParameters(res))
}

// ValidateCodeSystem handles GET|POST /fhir/CodeSystem/$validate-code. Here
// url names the code system.
func (h *Handler) ValidateCodeSystem(c echo.Context) error {
	in, err := readInput(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("Parameters", err.Error()))
	}
	req := validateRequest(in)
	if req.System == "" {
		req.System = in.get("url")
	}
	return h.validateCode(c, req)
}

// ValidateValueSet handles GET|POST /fhir/ValueSet/$validate-code. Here url
// names the ValueSet; an inline valueSet takes precedence.
func (h *Handler) ValidateValueSet(c echo.Context) error {
	in, err := readInput(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("Parameters", err.Error()))
	}
	req := validateRequest(in)
	req.URL = in.get("url")
	vs, err := in.valueSet()
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("valueSet", err.Error()))
	}
	if vs != nil {
		req.Compose = vs.Compose
		if req.URL == "" {
			req.URL = vs.URL
		}
	}
	if req.URL == "" && req.Compose == nil {
		return c.JSON(http.StatusBadRequest, fhir.RequiredFieldOutcome("url"))
	}
	return h.validateCode(c, req)
}

func validateRequest(in *operationInput) ValidateRequest {
	req := ValidateRequest{
		Code:            in.get("code"),
		System:          in.get("system"),
		Display:         in.get("display"),
		DisplayLanguage: in.get("displayLanguage"),
	}
	if cd := in.coding("coding"); cd != nil {
		req.System, req.Code = cd.System, cd.Code
		if cd.Display != "" {
			req.Display = cd.Display
		}
	}
	return req
}

func (h *Handler) validateCode(c echo.Context, req ValidateRequest) error {
	if err := h.check(req); err != nil {
		return c.JSON(http.StatusBadRequest, err)
	}
	res, err := h.svc.ValidateCode(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, validateParameters(res))
}

// Expand handles GET|POST /fhir/ValueSet/$expand.
func (h *Handler) Expand(c echo.Context) error {
	in, err := readInput(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("Parameters", err.Error()))
	}
	page, err := in.page()
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("count", err.Error()))
	}
	designations, err := parseBool("includeDesignations", in.get("includeDesignations"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("includeDesignations", err.Error()))
	}
	req := ExpandRequest{
		URL:                 in.get("url"),
		Filter:              in.get("filter"),
		DisplayLanguage:     in.get("displayLanguage"),
		Count:               &page.Limit,
		Offset:              page.Offset,
		IncludeDesignations: designations,
	}
	vs, err := in.valueSet()
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("valueSet", err.Error()))
	}
	if vs != nil {
		req.Compose = vs.Compose
		if req.URL == "" {
			req.URL = vs.URL
		}
	}
	if err := h.check(req); err != nil {
		return c.JSON(http.StatusBadRequest, err)
	}

	res, err := h.svc.Expand(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, expansionResource(res))
}

// Subsumes handles GET|POST /fhir/CodeSystem/$subsumes.
func (h *Handler) Subsumes(c echo.Context) error {
	in, err := readInput(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("Parameters", err.Error()))
	}
	req := SubsumesRequest{
		System: in.get("system"),
		CodeA:  in.get("codeA"),
		CodeB:  in.get("codeB"),
	}
	if cd := in.coding("codingA"); cd != nil {
		req.System, req.CodeA = cd.System, cd.Code
	}
	if cd := in.coding("codingB"); cd != nil {
		req.CodeB = cd.Code
		if req.System == "" {
			req.System = cd.System
		}
	}
	if err := h.check(req); err != nil {
		return c.JSON(http.StatusBadRequest, err)
	}

	res, err := h.svc.Subsumes(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, fhir.NewParameters().AddCode("outcome", res.Outcome))
}

// Metadata handles GET /fhir/metadata with a TerminologyCapabilities summary.
func (h *Handler) Metadata(c echo.Context) error {
	reg := h.svc.Registry()
	var systems []map[string]interface{}
	for _, url := range reg.URLs() {
		cs, _ := reg.Get(url)
		entry := map[string]interface{}{"uri": url}
		if cs.Profile.Version != "" {
			entry["version"] = []map[string]interface{}{{"code": cs.Profile.Version, "isDefault": true}}
		}
		systems = append(systems, entry)
	}
	var valueSets []string
	for _, vs := range reg.ValueSets() {
		valueSets = append(valueSets, vs.URL)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"resourceType": "TerminologyCapabilities",
		"status":       "active",
		"kind":         "instance",
		"date":         time.Now().UTC().Format(time.RFC3339),
		"codeSystem":   systems,
		"expansion": map[string]interface{}{
			"hierarchical": false,
			"paging":       true,
			"textFilter":   "Prefix matching on any word of the normalised term, whole phrases ranked first",
		},
		"validateCode": map[string]interface{}{"translations": false},
		"valueSet":     valueSets,
	})
}

// check runs struct validation and renders failures as an OperationOutcome.
func (h *Handler) check(req interface{}) *fhir.OperationOutcome {
	err := h.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fhir.ValidationOutcome("request", err.Error())
	}
	b := fhir.NewOutcomeBuilder()
	for _, fe := range verrs {
		field := jsonFieldName(fe.Namespace())
		switch fe.Tag() {
		case "required", "required_without":
			b.AddIssueWithLocation(fhir.IssueSeverityError, fhir.IssueTypeRequired,
				fmt.Sprintf("%s is required", field), field)
		default:
			b.AddIssueWithLocation(fhir.IssueSeverityError, fhir.IssueTypeInvalid,
				fmt.Sprintf("%s failed %s validation", field, fe.Tag()), field)
		}
	}
	return b.Build()
}

// jsonFieldName turns "ExpandRequest.Compose.Include[0].System" into
// "compose.include[0].system".
func jsonFieldName(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToLower(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, ".")
}

// fail maps engine errors to HTTP status codes and OperationOutcomes.
func (h *Handler) fail(c echo.Context, err error) error {
	msg := Message(err)
	switch KindOf(err) {
	case KindInvalidInput:
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeInvalid, msg))
	case KindUnsupportedSystem:
		return c.JSON(http.StatusBadRequest, fhir.NotSupportedOutcome(msg))
	case KindNotFound:
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome(msg))
	case KindTransient:
		zerolog.Ctx(c.Request().Context()).Warn().Err(err).Msg("terminology store unavailable")
		return c.JSON(http.StatusServiceUnavailable, fhir.TransientOutcome(msg))
	default:
		zerolog.Ctx(c.Request().Context()).Error().Err(err).Msg("terminology operation failed")
		return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome("internal error"))
	}
}

func lookupParameters(res *LookupResult) *fhir.Parameters {
	p := fhir.NewParameters().
		AddString("name", res.Name).
		AddString("version", res.Version).
		AddString("display", res.Display).
		AddURI("system", res.System).
		AddCode("code", res.Code)
	for _, d := range res.Designations {
		parts := []fhir.Parameter{fhir.CodePart("language", d.Language)}
		if d.UseCode != "" {
			parts = append(parts, fhir.CodingPart("use", fhir.Coding{System: res.System, Code: d.UseCode, Display: d.UseDisplay}))
		}
		parts = append(parts, fhir.StringPart("value", d.Value))
		p.Add(fhir.Parameter{
			Name:      "designation",
			Part:      parts,
			Extension: useContextExtensions(res.System, d.Contexts),
		})
	}
	p.AddParts("property", fhir.CodePart("code", "inactive"), fhir.BooleanPart("value", !res.Active))
	if res.EffectiveTime != "" {
		p.AddParts("property", fhir.CodePart("code", "effectiveTime"), fhir.StringPart("value", res.EffectiveTime))
	}
	if res.ModuleID != "" {
		p.AddParts("property", fhir.CodePart("code", "moduleId"), fhir.CodePart("value", res.ModuleID))
	}
	for _, parent := range res.Parents {
		p.AddParts("property", fhir.CodePart("code", "parent"), fhir.CodePart("value", parent))
	}
	for _, child := range res.Children {
		p.AddParts("property", fhir.CodePart("code", "child"), fhir.CodePart("value", child))
	}
	return p
}

func validateParameters(res *ValidateResult) *fhir.Parameters {
	return fhir.NewParameters().
		AddBoolean("result", res.Valid).
		AddString("message", res.Message).
		AddString("display", res.Display).
		AddCode("code", res.Code).
		AddURI("system", res.System).
		AddString("version", res.Version)
}

func expansionResource(res *Expansion) map[string]interface{} {
	params := []map[string]interface{}{
		{"name": "offset", "valueInteger": res.Offset},
		{"name": "count", "valueInteger": res.Count},
		{"name": "displayLanguage", "valueCode": res.DisplayLanguage},
	}
	if res.Filter != "" {
		params = append(params, map[string]interface{}{"name": "filter", "valueString": res.Filter})
	}
	for _, u := range res.UsedSystems {
		uri := u.System
		if u.Version != "" {
			uri += "|" + u.Version
		}
		params = append(params, map[string]interface{}{"name": "used-codesystem", "valueUri": uri})
	}
	for _, w := range res.Warnings {
		params = append(params, map[string]interface{}{"name": "warning", "valueString": w})
	}

	contains := make([]map[string]interface{}, 0, len(res.Contains))
	for _, item := range res.Contains {
		entry := map[string]interface{}{
			"system":  item.System,
			"code":    item.Code,
			"display": item.Display,
		}
		if len(item.Designations) > 0 {
			entry["designation"] = designationElements(item.System, item.Designations)
		}
		contains = append(contains, entry)
	}

	vs := map[string]interface{}{
		"resourceType": "ValueSet",
		"status":       "active",
		"expansion": map[string]interface{}{
			"identifier": "urn:uuid:" + res.ID,
			"timestamp":  res.Timestamp.Format(time.RFC3339),
			"total":      res.Total,
			"offset":     res.Offset,
			"parameter":  params,
			"contains":   contains,
		},
	}
	if res.URL != "" {
		vs["url"] = res.URL
	}
	if res.Copyright != "" {
		vs["copyright"] = res.Copyright
	}
	return vs
}

func designationElements(system string, ds []Designation) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(ds))
	for _, d := range ds {
		el := map[string]interface{}{
			"language": d.Language,
			"value":    d.Value,
		}
		if d.UseCode != "" {
			el["use"] = fhir.Coding{System: system, Code: d.UseCode, Display: d.UseDisplay}
		}
		if exts := useContextExtensions(system, d.Contexts); len(exts) > 0 {
			el["extension"] = exts
		}
		out = append(out, el)
	}
	return out
}

// useContextExtensions renders the dialect acceptability of a designation.
func useContextExtensions(system string, contexts []UseContext) []fhir.Extension {
	var exts []fhir.Extension
	for _, uc := range contexts {
		exts = append(exts, fhir.Extension{
			URL: DesignationUseContextURL,
			Extension: []fhir.Extension{
				{URL: "context", ValueCoding: &fhir.Coding{System: system, Code: uc.RefsetID}},
				{URL: "role", ValueCode: strings.ToLower(uc.Role)},
			},
		})
	}
	return exts
}
