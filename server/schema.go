package server

import (
	"net/http"
	"reflect"
	"sync"

	"github.com/casualjim/grimoire"
	"github.com/gin-gonic/gin"
	"github.com/go-openapi/strfmt"
	"github.com/invopop/jsonschema"
)

var dateTimeType = reflect.TypeOf(strfmt.DateTime{})

var spellReflector = jsonschema.Reflector{
	AllowAdditionalProperties: true,
	Mapper: func(t reflect.Type) *jsonschema.Schema {
		if t == dateTimeType {
			return &jsonschema.Schema{Type: "string", Format: "date-time"}
		}
		return nil
	},
}

var spellSchema = sync.OnceValue(func() *jsonschema.Schema {
	return spellReflector.Reflect(&grimoire.Spell{})
})

// SpellSchema returns the JSON schema of a spell document.
func SpellSchema() *jsonschema.Schema {
	return spellSchema()
}

func (s *Server) handleSchema(c *gin.Context) {
	c.JSON(http.StatusOK, SpellSchema())
}
