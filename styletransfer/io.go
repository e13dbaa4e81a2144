package styletransfer

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/gonb/gonbui"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	_ "golang.org/x/image/webp"
)

// DisplayImages using gonbui.
// It only works in a notebook. Images are shaped [height, width, channels] or [1, height, width, channels],
// with values from 0 to 255.
func DisplayImages(imgs ...*tensors.Tensor) {
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "<table><tr>\n")
	for _, img := range imgs {
		src := must.M1(gonbui.EmbedImageAsPNGSrc(ToImage(img)))
		fmt.Fprintf(buf, "  <td><img src=\"%s\"/></td>\n", src)
	}
	fmt.Fprintf(buf, "</tr></table>\n")
	gonbui.DisplayHTMLF(buf.String())
}

// ToImage converts a tensor shaped [height, width, channels] or [1, height, width, channels], with values
// from 0 to 255, to an image.
func ToImage(img *tensors.Tensor) image.Image {
	if img.Shape().Rank() == 4 {
		return images.ToImage().MaxValue(255).Batch(img)[0]
	}
	return images.ToImage().MaxValue(255).Single(img)
}

// decodeImage reads and decodes the image in imagePath. The type is taken from its contents.
func decodeImage(imagePath string) (image.Image, error) {
	imgFile, err := os.Open(imagePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image in %s", imagePath)
	}
	defer func() { _ = imgFile.Close() }()
	img, _, err := image.Decode(imgFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image in %s", imagePath)
	}
	return img, nil
}

func imageToTensor(img image.Image) *tensors.Tensor {
	return images.ToTensor(dtypes.Float32).MaxValue(1.0).Single(img)
}

// LoadImage as a tensor shaped [height, width, 3], with values from 0.0 to 1.0.
//
// If size > 0, the image is center-cropped to a square and resized to size x size.
// Image type is taken from its contents: .png, .jpg, .gif and .webp are accepted.
func LoadImage(imagePath string, size int) (*tensors.Tensor, error) {
	img, err := decodeImage(imagePath)
	if err != nil {
		return nil, err
	}
	if size > 0 {
		img = imaging.Fill(img, size, size, imaging.Center, imaging.Lanczos)
	}
	return imageToTensor(img), nil
}

// LoadStyleContent loads the style image and the optional content image (contentPath can be empty, in which
// case content is nil).
//
// Both are resized to size x size if size > 0. Otherwise, the content image is resized to the dimensions of
// the style image, if they differ.
func LoadStyleContent(stylePath, contentPath string, size int) (style, content *tensors.Tensor, err error) {
	style, err = LoadImage(stylePath, size)
	if err != nil || contentPath == "" {
		return
	}
	if size > 0 {
		content, err = LoadImage(contentPath, size)
		return
	}
	img, err := decodeImage(contentPath)
	if err != nil {
		return nil, nil, err
	}
	height, width := style.Shape().Dim(0), style.Shape().Dim(1)
	if bounds := img.Bounds(); bounds.Dx() != width || bounds.Dy() != height {
		img = imaging.Fill(img, width, height, imaging.Center, imaging.Lanczos)
	}
	content = imageToTensor(img)
	return
}

// SaveImage saves the image tensor (values from 0 to 255) to filePath, creating its directory if needed.
// The format is taken from the file extension.
func SaveImage(img *tensors.Tensor, filePath string) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", filePath)
	}
	if err := imaging.Save(ToImage(img), filePath, imaging.JPEGQuality(95)); err != nil {
		return errors.Wrapf(err, "failed to save image to %s", filePath)
	}
	return nil
}
