package catalog

// Attribute ids are the fixed numeric encoding used by event effect payloads
// and skill-check specs: 1–9 core attributes, 10–17 derived attributes,
// 18–34 skills. The table must never be reordered; stored events reference
// these numbers.
const (
	AttrStrength     = 1
	AttrConstitution = 2
	AttrSize         = 3
	AttrDexterity    = 4
	AttrAppearance   = 5
	AttrIntelligence = 6
	AttrPower        = 7
	AttrEducation    = 8
	AttrLuck         = 9

	AttrSanity             = 10
	AttrMagicPoints        = 11
	AttrInterestPoints     = 12
	AttrHitPoints          = 13
	AttrMoveRate           = 14
	AttrDamageBonus        = 15
	AttrBuild              = 16
	AttrProfessionalPoints = 17

	AttrFighting      = 18
	AttrFirearms      = 19
	AttrDodge         = 20
	AttrMechanics     = 21
	AttrDrive         = 22
	AttrStealth       = 23
	AttrInvestigate   = 24
	AttrSleightOfHand = 25
	AttrElectronics   = 26
	AttrHistory       = 27
	AttrScience       = 28
	AttrMedicine      = 29
	AttrOccult        = 30
	AttrLibraryUse    = 31
	AttrArt           = 32
	AttrPersuade      = 33
	AttrPsychology    = 34
)

var attributeNames = map[int]string{
	AttrStrength:     "strength",
	AttrConstitution: "constitution",
	AttrSize:         "size",
	AttrDexterity:    "dexterity",
	AttrAppearance:   "appearance",
	AttrIntelligence: "intelligence",
	AttrPower:        "power",
	AttrEducation:    "education",
	AttrLuck:         "luck",

	AttrSanity:             "sanity",
	AttrMagicPoints:        "magic_points",
	AttrInterestPoints:     "interest_points",
	AttrHitPoints:          "hit_points",
	AttrMoveRate:           "move_rate",
	AttrDamageBonus:        "damage_bonus",
	AttrBuild:              "build",
	AttrProfessionalPoints: "professional_points",

	AttrFighting:      "fighting",
	AttrFirearms:      "firearms",
	AttrDodge:         "dodge",
	AttrMechanics:     "mechanics",
	AttrDrive:         "drive",
	AttrStealth:       "stealth",
	AttrInvestigate:   "investigate",
	AttrSleightOfHand: "sleight_of_hand",
	AttrElectronics:   "electronics",
	AttrHistory:       "history",
	AttrScience:       "science",
	AttrMedicine:      "medicine",
	AttrOccult:        "occult",
	AttrLibraryUse:    "library_use",
	AttrArt:           "art",
	AttrPersuade:      "persuade",
	AttrPsychology:    "psychology",
}

// AttributeName resolves an attribute id to the field name used on sheets
// and in session state. The second return is false for unknown ids.
func AttributeName(id int) (string, bool) {
	name, ok := attributeNames[id]
	return name, ok
}

// IsSessionAttribute reports whether delta changes to the given attribute id
// land on session state rather than the sheet. Sanity, magic points, and hit
// points are the live per-session fields; everything else is sheet data.
func IsSessionAttribute(id int) bool {
	switch id {
	case AttrSanity, AttrMagicPoints, AttrHitPoints:
		return true
	}
	return false
}
